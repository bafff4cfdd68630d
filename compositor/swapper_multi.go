// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/mstarongithub/wayswap/graphics"
	"github.com/sirupsen/logrus"
)

// Fewer buffers than this would leave either the client or the compositor without one
const MinBuffers = 2

type bufferState int

const (
	stateFree = bufferState(iota)
	stateClientOwned
	stateReady
	stateCompositorOwned
)

func (s bufferState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateClientOwned:
		return "client owned"
	case stateReady:
		return "ready"
	case stateCompositorOwned:
		return "compositor owned"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type slot struct {
	buf   graphics.Buffer
	state bufferState
	// Live compositor and snapshot acquisitions. Only non-zero while compositor owned
	refs int
}

// SwapperMulti is the BufferSwapper used for double, triple and n-buffering.
//
// The client may hold at most size-1 buffers at once so the compositor always has one to show.
// The buffer the compositor got last stays reserved for it after its last release until a newer
// frame is submitted, which is what keeps CompositorAcquire from ever going back in time.
//
// Clients waiting in ClientAcquire are served in the order they arrived.
type SwapperMulti struct {
	lock sync.Mutex
	cond *sync.Cond

	// Total number of buffers this swapper is responsible for.
	// Can be larger than len(slots) while buffers of a predecessor are still outstanding.
	size  int
	slots map[graphics.Buffer]*slot
	free  []*slot      // Oldest release first
	ready *queue.Queue // Of *slot, oldest frame first
	// What CompositorAcquire returned last
	current *slot

	clientOwned int
	clientLimit int
	// Client held buffers of a predecessor, counted in clientOwned until adopted
	pendingClient int

	nextTicket uint64
	serving    uint64
	waiting    int

	policy        FrameDroppingPolicy
	dropTimer     *time.Timer
	dropRequested bool

	forceGrant bool
	aborted    bool
	ended      bool

	strict  bool
	dropped uint64
	log     *logrus.Entry
}

type SwapperOption func(*SwapperMulti)

// Defaults to BlockClientPolicy
func WithFrameDroppingPolicy(policy FrameDroppingPolicy) SwapperOption {
	return func(s *SwapperMulti) {
		s.policy = policy
	}
}

// With strict preconditions, contract violations panic instead of returning a PreconditionError
func WithStrictPreconditions(strict bool) SwapperOption {
	return func(s *SwapperMulti) {
		s.strict = strict
	}
}

// Only for switching swappers, the predecessor's client still holds n buffers
func withOutstandingClientBuffers(n int) SwapperOption {
	return func(s *SwapperMulti) {
		s.pendingClient = n
	}
}

func WithLogger(log *logrus.Entry) SwapperOption {
	return func(s *SwapperMulti) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSwapperMulti creates a swapper responsible for size buffers, of which the given ones are
// free right away. The remaining size-len(buffers) are adopted once a client or compositor
// releases them, see EndResponsibility.
// Buffers are compared by identity, so they must be pointer types.
func NewSwapperMulti(buffers []graphics.Buffer, size int, opts ...SwapperOption) (*SwapperMulti, error) {
	if size < MinBuffers {
		return nil, fmt.Errorf("swapper needs at least %d buffers, got size %d", MinBuffers, size)
	}
	if len(buffers) == 0 || len(buffers) > size {
		return nil, fmt.Errorf("swapper of size %d can't start with %d buffers", size, len(buffers))
	}

	s := &SwapperMulti{
		size:        size,
		slots:       make(map[graphics.Buffer]*slot, size),
		free:        make([]*slot, 0, size),
		ready:       queue.New(),
		clientLimit: size - 1,
		policy:      BlockClientPolicy{},
		log:         logrus.WithField("component", "swapper"),
	}
	s.cond = sync.NewCond(&s.lock)

	for i, buf := range buffers {
		if buf == nil {
			return nil, fmt.Errorf("buffer %d is nil", i)
		}
		if _, ok := s.slots[buf]; ok {
			return nil, fmt.Errorf("buffer %d passed twice", buf.ID())
		}
		sl := &slot{buf: buf}
		s.slots[buf] = sl
		s.free = append(s.free, sl)
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.policy == nil {
		s.policy = BlockClientPolicy{}
	}
	if s.pendingClient < 0 || s.pendingClient > size-len(buffers) {
		return nil, fmt.Errorf("%d outstanding client buffers don't fit into swapper of size %d", s.pendingClient, size)
	}
	s.clientOwned = s.pendingClient
	return s, nil
}

func (s *SwapperMulti) ClientAcquire() (graphics.Buffer, error) {
	return s.clientAcquire(false)
}

// With switching set, an already ended swapper isn't a violation. BufferBundle relies on that
// since its client may pick up a swapper right before it gets replaced.
func (s *SwapperMulti) clientAcquire(switching bool) (graphics.Buffer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.aborted {
		return nil, ErrAborted
	}
	if s.ended {
		if switching {
			return nil, ErrResponsibilityEnded
		}
		return nil, s.violation("client_acquire", "called after EndResponsibility", ErrResponsibilityEnded)
	}

	ticket := s.nextTicket
	s.nextTicket++
	s.waiting++
	defer func() {
		s.waiting--
		if s.waiting == 0 {
			// A forced grant is only meant for clients that were waiting when it was made
			s.forceGrant = false
		}
	}()

	blocking := false
	for {
		if s.aborted {
			return nil, ErrAborted
		}
		if s.ended {
			return nil, ErrResponsibilityEnded
		}

		if ticket == s.serving {
			if sl := s.takeForClient(); sl != nil {
				s.serving++
				if blocking {
					s.stopDropTimer()
				}
				// The next waiter in line may be servable as well
				s.cond.Broadcast()
				return sl.buf, nil
			}
			if !blocking {
				blocking = true
				s.log.WithFields(logrus.Fields{
					"client_owned": s.clientOwned,
					"ready":        s.ready.Length(),
				}).Debugln("Client has to wait for a buffer")
				s.startDropTimer()
			}
		}
		s.cond.Wait()
	}
}

func (s *SwapperMulti) ClientRelease(buf graphics.Buffer) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ended {
		return s.violation("client_release", "called after EndResponsibility", ErrResponsibilityEnded)
	}

	sl, ok := s.slots[buf]
	switch {
	case !ok:
		if buf == nil || len(s.slots) >= s.size {
			return s.violation("client_release", "buffer doesn't belong to this swapper", nil)
		}
		sl = s.adopt(buf)
		if s.pendingClient > 0 {
			s.pendingClient--
			s.clientOwned--
		}
		s.log.WithField("buffer", buf.ID()).Debugln("Adopted outstanding buffer from client")
	case sl.state != stateClientOwned:
		return s.violation("client_release", fmt.Sprintf("buffer %d is %v, not client owned", buf.ID(), sl.state), nil)
	default:
		s.clientOwned--
	}

	if dropsImmediately(s.policy) {
		for s.ready.Length() > 0 {
			old := s.ready.Remove().(*slot)
			old.state = stateFree
			s.free = append(s.free, old)
			s.dropped++
			s.log.WithField("buffer", old.buf.ID()).Debugln("Replaced unconsumed frame")
		}
	}

	sl.state = stateReady
	s.ready.Add(sl)
	s.cond.Broadcast()
	return nil
}

func (s *SwapperMulti) CompositorAcquire() (graphics.Buffer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ended {
		return nil, s.violation("compositor_acquire", "called after EndResponsibility", ErrResponsibilityEnded)
	}
	return s.acquireForCompositor("compositor_acquire")
}

// Must hold lock
func (s *SwapperMulti) acquireForCompositor(op string) (graphics.Buffer, error) {
	var sl *slot
	switch {
	case s.ready.Length() > 0:
		if _, ok := s.policy.DropTimeout(); ok {
			// Only the newest frame is worth showing, anything older is skipped
			for s.ready.Length() > 1 {
				old := s.ready.Remove().(*slot)
				old.state = stateFree
				s.free = append(s.free, old)
				s.dropped++
			}
		}
		// Without dropping, frames are shown in the order they were submitted
		sl = s.ready.Remove().(*slot)
		s.current = sl
		// The previous buffer may have been reserved, a client can have it now
		s.cond.Broadcast()
	case s.current != nil && s.current.state != stateClientOwned:
		sl = s.current
	case s.current == nil && len(s.free) > 0:
		// Nothing submitted ever, show whatever was freed last
		sl = s.free[len(s.free)-1]
		s.current = sl
	default:
		return nil, s.violation(op, "clients hold every buffer with content", ErrNoBuffer)
	}

	s.holdForCompositor(sl)
	return sl.buf, nil
}

func (s *SwapperMulti) CompositorRelease(buf graphics.Buffer) error {
	return s.compositorRelease("compositor_release", buf)
}

// SnapshotAcquire returns the buffer the compositor shows right now without consuming
// submitted frames, e.g. for screen capture. Release it with SnapshotRelease.
// If there is no such buffer it behaves like CompositorAcquire.
func (s *SwapperMulti) SnapshotAcquire() (graphics.Buffer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ended {
		return nil, s.violation("snapshot_acquire", "called after EndResponsibility", ErrResponsibilityEnded)
	}

	sl := s.current
	if sl == nil || (sl.state != stateFree && sl.state != stateCompositorOwned) {
		// Nothing composited yet, or the current buffer went back to the client because a newer
		// frame is waiting. Show what the compositor would get.
		return s.acquireForCompositor("snapshot_acquire")
	}

	s.holdForCompositor(sl)
	return sl.buf, nil
}

func (s *SwapperMulti) SnapshotRelease(buf graphics.Buffer) error {
	return s.compositorRelease("snapshot_release", buf)
}

func (s *SwapperMulti) ForceClientAbort() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.aborted || s.ended {
		return
	}
	s.aborted = true
	s.stopDropTimer()
	s.log.WithField("waiting", s.waiting).Infoln("Aborting client side of swapper")
	s.cond.Broadcast()
}

func (s *SwapperMulti) ForceRequestsToComplete() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	const op = "force_requests_to_complete"
	if s.ended {
		return s.violation(op, "called after EndResponsibility", ErrResponsibilityEnded)
	}
	if held := s.compositorHeld(); held > 0 {
		return s.violation(op, fmt.Sprintf("compositor still holds %d buffers", held), nil)
	}
	if s.clientOwned > 1 {
		return s.violation(op, fmt.Sprintf("client holds %d buffers", s.clientOwned), nil)
	}
	if s.waiting > 1 {
		return s.violation(op, fmt.Sprintf("%d clients are waiting", s.waiting), nil)
	}
	if s.waiting > 0 && s.clientOwned >= s.clientLimit {
		return s.violation(op, "client is trying to acquire every buffer", nil)
	}
	if s.waiting == 0 {
		s.log.Debugln("No client request to force")
		return nil
	}

	if len(s.free) == 0 {
		if s.ready.Length() == 0 {
			return s.violation(op, "every buffer is acquired", nil)
		}
		sl := s.ready.Remove().(*slot)
		sl.state = stateFree
		s.free = append(s.free, sl)
		s.dropped++
	}

	s.forceGrant = true
	s.log.WithField("waiting", s.waiting).Infoln("Forcing client requests to complete")
	s.cond.Broadcast()
	return nil
}

// EndResponsibility returns every free and ready buffer.
// The order is oldest content first, so the last buffer holds the newest frame.
func (s *SwapperMulti) EndResponsibility() ([]graphics.Buffer, int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ended {
		return nil, 0, s.violation("end_responsibility", "called twice", ErrResponsibilityEnded)
	}
	s.ended = true
	s.stopDropTimer()

	buffers := make([]graphics.Buffer, 0, len(s.free)+s.ready.Length())
	for _, sl := range s.free {
		if sl != s.current {
			buffers = append(buffers, sl.buf)
		}
	}
	if s.current != nil && s.current.state == stateFree {
		buffers = append(buffers, s.current.buf)
	}
	for s.ready.Length() > 0 {
		buffers = append(buffers, s.ready.Remove().(*slot).buf)
	}
	for _, buf := range buffers {
		delete(s.slots, buf)
	}
	s.free = nil
	s.current = nil

	s.log.WithFields(logrus.Fields{
		"returned":    len(buffers),
		"size":        s.size,
		"outstanding": s.size - len(buffers),
	}).Infoln("Swapper ended responsibility")

	// Anyone still waiting gets ErrResponsibilityEnded
	s.cond.Broadcast()
	return buffers, s.size, nil
}

// SetFrameDroppingPolicy swaps the policy at runtime. nil means BlockClientPolicy
func (s *SwapperMulti) SetFrameDroppingPolicy(policy FrameDroppingPolicy) {
	if policy == nil {
		policy = BlockClientPolicy{}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.policy = policy
	s.stopDropTimer()
	if s.waiting > 0 {
		s.startDropTimer()
	}
	s.cond.Broadcast()
}

func (s *SwapperMulti) FrameDroppingPolicy() FrameDroppingPolicy {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.policy
}

func (s *SwapperMulti) Stats() SwapperStats {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := SwapperStats{
		Size:          s.size,
		Tracked:       len(s.slots),
		ClientOwned:   s.clientOwned,
		Waiting:       s.waiting,
		DroppedFrames: s.dropped,
		Aborted:       s.aborted,
		Ended:         s.ended,
	}
	for _, sl := range s.slots {
		switch sl.state {
		case stateFree:
			stats.Free++
		case stateReady:
			stats.Ready++
		case stateCompositorOwned:
			stats.CompositorOwned++
			stats.CompositorRefs += sl.refs
		}
	}
	return stats
}

func (s *SwapperMulti) compositorRelease(op string, buf graphics.Buffer) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ended {
		return s.violation(op, "called after EndResponsibility", ErrResponsibilityEnded)
	}

	sl, ok := s.slots[buf]
	if !ok {
		if buf == nil || len(s.slots) >= s.size {
			return s.violation(op, "buffer doesn't belong to this swapper", nil)
		}
		sl = s.adopt(buf)
		s.free = append(s.free, sl)
		s.log.WithField("buffer", buf.ID()).Debugln("Adopted outstanding buffer from compositor")
		s.cond.Broadcast()
		return nil
	}
	if sl.state != stateCompositorOwned || sl.refs == 0 {
		return s.violation(op, fmt.Sprintf("buffer %d is %v, not compositor owned", buf.ID(), sl.state), nil)
	}

	sl.refs--
	if sl.refs == 0 {
		sl.state = stateFree
		s.free = append(s.free, sl)
		s.cond.Broadcast()
	}
	return nil
}

// Must hold lock for everything below

func (s *SwapperMulti) takeForClient() *slot {
	if s.clientOwned >= s.clientLimit {
		return nil
	}
	if s.forceGrant {
		if sl := s.popFree(true); sl != nil {
			s.forceGrant = false
			return s.giveToClient(sl)
		}
	}
	if sl := s.popFree(false); sl != nil {
		return s.giveToClient(sl)
	}
	if s.canDropFrame() {
		sl := s.ready.Remove().(*slot)
		s.dropped++
		s.dropRequested = false
		s.log.WithField("buffer", sl.buf.ID()).Debugln("Dropped unconsumed frame for waiting client")
		return s.giveToClient(sl)
	}
	return nil
}

// popFree takes the oldest free buffer, skipping the one reserved for the compositor
func (s *SwapperMulti) popFree(ignoreReservation bool) *slot {
	reserved := !ignoreReservation && s.ready.Length() == 0
	for i, sl := range s.free {
		if reserved && sl == s.current {
			continue
		}
		s.free = append(s.free[:i], s.free[i+1:]...)
		return sl
	}
	return nil
}

func (s *SwapperMulti) removeFree(target *slot) {
	for i, sl := range s.free {
		if sl == target {
			s.free = append(s.free[:i], s.free[i+1:]...)
			return
		}
	}
}

func (s *SwapperMulti) canDropFrame() bool {
	timeout, ok := s.policy.DropTimeout()
	if !ok || s.ready.Length() == 0 {
		return false
	}
	if timeout > 0 && !s.dropRequested {
		return false
	}
	// Whatever gets dropped, the compositor needs something left to show
	return s.ready.Length() > 1 || (s.current != nil && s.current.state != stateClientOwned)
}

func (s *SwapperMulti) giveToClient(sl *slot) *slot {
	sl.state = stateClientOwned
	s.clientOwned++
	return sl
}

func (s *SwapperMulti) holdForCompositor(sl *slot) {
	if sl.state == stateFree {
		s.removeFree(sl)
	}
	sl.state = stateCompositorOwned
	sl.refs++
}

func (s *SwapperMulti) adopt(buf graphics.Buffer) *slot {
	sl := &slot{buf: buf}
	s.slots[buf] = sl
	return sl
}

func (s *SwapperMulti) compositorHeld() int {
	held := 0
	for _, sl := range s.slots {
		if sl.state == stateCompositorOwned {
			held++
		}
	}
	return held
}

func (s *SwapperMulti) startDropTimer() {
	timeout, ok := s.policy.DropTimeout()
	if !ok || timeout <= 0 || s.dropTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if s.dropTimer != timer {
			return
		}
		s.dropTimer = nil
		s.dropRequested = true
		s.cond.Broadcast()
	})
	s.dropTimer = timer
}

func (s *SwapperMulti) stopDropTimer() {
	if s.dropTimer != nil {
		s.dropTimer.Stop()
		s.dropTimer = nil
	}
	s.dropRequested = false
}

func (s *SwapperMulti) violation(op, reason string, cause error) error {
	err := &PreconditionError{Op: op, Reason: reason, Err: cause}
	s.log.WithError(err).Errorln("Swapper contract violated")
	if s.strict {
		panic(err)
	}
	return err
}
