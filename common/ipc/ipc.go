package ipc

// TODO: Serve these over a unix socket so tool mode can query a running server instead of only the console

type (
	// Counters of a single swapper
	SwapperStats struct {
		// Buffers the swapper is responsible for, outstanding ones included
		Size            int `json:"size"`
		Free            int `json:"free"`
		Ready           int `json:"ready"`
		ClientOwned     int `json:"client_owned"`
		CompositorOwned int `json:"compositor_owned"`
		// Clients currently blocked in acquire
		Waiting       int    `json:"waiting"`
		DroppedFrames uint64 `json:"dropped_frames"`
		Aborted       bool   `json:"aborted"`
	}

	SurfaceStats struct {
		Name string `json:"name"`
		// Frames submitted by the surface's client
		Frames uint64 `json:"frames"`
		// Buffers allocated for the surface
		Buffers       int          `json:"buffers"`
		FrameDropping string       `json:"frame_dropping"`
		Swapper       SwapperStats `json:"swapper"`
	}

	// Response to the stats console command
	StatsResponse struct {
		State    string         `json:"state"`
		Surfaces []SurfaceStats `json:"surfaces"`
		// Frames composited per output
		OutputFrames map[string]uint64 `json:"output_frames"`
		// Output frames with at least one error
		FailedFrames map[string]uint64 `json:"failed_frames,omitempty"`
		// Buffers alive in the allocator across all surfaces
		LiveBuffers int `json:"live_buffers"`
	}
)
