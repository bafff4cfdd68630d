package server

import (
	"github.com/mstarongithub/wayswap/common/ipc"
	"github.com/mstarongithub/wayswap/compositor"
)

type SurfaceStats struct {
	Name          string
	Frames        uint64
	Buffers       int
	FrameDropping string
	Swapper       compositor.SwapperStats
}

// ServerStats is a point in time view of the whole server. Values of different surfaces
// aren't taken atomically with each other.
type ServerStats struct {
	State        State
	Surfaces     []SurfaceStats
	OutputFrames map[string]uint64
	FailedFrames map[string]uint64
	LiveBuffers  int
}

func (s *DisplayServer) Stats() ServerStats {
	stats := ServerStats{
		State:        s.State(),
		OutputFrames: s.compositor.Frames(),
		FailedFrames: s.compositor.FailedFrames(),
		LiveBuffers:  s.allocator.Live(),
	}

	s.scene.lock.RLock()
	defer s.scene.lock.RUnlock()
	for _, surface := range s.scene.surfaces {
		stats.Surfaces = append(stats.Surfaces, SurfaceStats{
			Name:          surface.name,
			Frames:        surface.Frames(),
			Buffers:       surface.bundle.BufferCount(),
			FrameDropping: surface.bundle.FrameDroppingPolicy().String(),
			Swapper:       surface.bundle.Stats(),
		})
	}
	return stats
}

// Response converts the stats into the payload of the stats command
func (st ServerStats) Response() ipc.StatsResponse {
	resp := ipc.StatsResponse{
		State:        st.State.String(),
		Surfaces:     make([]ipc.SurfaceStats, 0, len(st.Surfaces)),
		OutputFrames: st.OutputFrames,
		LiveBuffers:  st.LiveBuffers,
	}
	if !allZero(st.FailedFrames) {
		resp.FailedFrames = st.FailedFrames
	}
	for _, surface := range st.Surfaces {
		resp.Surfaces = append(resp.Surfaces, ipc.SurfaceStats{
			Name:          surface.Name,
			Frames:        surface.Frames,
			Buffers:       surface.Buffers,
			FrameDropping: surface.FrameDropping,
			Swapper: ipc.SwapperStats{
				Size:            surface.Swapper.Size,
				Free:            surface.Swapper.Free,
				Ready:           surface.Swapper.Ready,
				ClientOwned:     surface.Swapper.ClientOwned,
				CompositorOwned: surface.Swapper.CompositorOwned,
				Waiting:         surface.Swapper.Waiting,
				DroppedFrames:   surface.Swapper.DroppedFrames,
				Aborted:         surface.Swapper.Aborted,
			},
		})
	}
	return resp
}

func allZero(m map[string]uint64) bool {
	for _, v := range m {
		if v != 0 {
			return false
		}
	}
	return true
}
