// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package server coordinates surfaces, their clients and the compositor outputs.
// It owns the order in which everything is brought up and torn down.
package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/mstarongithub/wayswap/compositor"
	"github.com/mstarongithub/wayswap/config"
	"github.com/mstarongithub/wayswap/graphics"
	"github.com/mstarongithub/wayswap/util/multiplexer"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

var (
	ErrBadState        = errors.New("display server is in the wrong state for this")
	ErrSurfaceExists   = errors.New("surface already exists")
	ErrSurfaceNotFound = errors.New("surface not found")
)

type State int

const (
	StateCreated = State(iota)
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Event is broadcast to all subscribers whenever the server changes state
type Event int

const (
	EventStarted = Event(iota)
	EventPaused
	EventResumed
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

type DisplayServer struct {
	// Guards state transitions. Never taken by compositor or client goroutines
	lock  sync.Mutex
	state State

	conf        *config.Config
	allocator   graphics.Allocator
	props       graphics.BufferProperties
	queueing    compositor.QueueingPolicy
	swapperOpts []compositor.SwapperOption
	strategy    CompositingStrategy

	scene      *scene
	compositor *Compositor
	events     *multiplexer.OneToMany[Event]

	// Parent of all client goroutines
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once

	log *logrus.Entry
}

type Option func(*DisplayServer)

// Overrides the allocator chosen by config
func WithAllocator(allocator graphics.Allocator) Option {
	return func(s *DisplayServer) {
		s.allocator = allocator
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *DisplayServer) {
		if log != nil {
			s.log = log
		}
	}
}

// Defaults to a DrawStrategy sized like the configured buffers
func WithStrategy(strategy CompositingStrategy) Option {
	return func(s *DisplayServer) {
		s.strategy = strategy
	}
}

// New prepares a server from a validated config. Nothing runs before Start
func New(conf *config.Config, opts ...Option) (*DisplayServer, error) {
	props, err := conf.BufferProperties()
	if err != nil {
		return nil, err
	}
	queueing, err := conf.QueueingPolicy()
	if err != nil {
		return nil, err
	}
	swapperOpts, err := conf.SwapperOptions()
	if err != nil {
		return nil, err
	}

	s := &DisplayServer{
		state:       StateCreated,
		conf:        conf,
		props:       props,
		queueing:    queueing,
		swapperOpts: swapperOpts,
		scene:       &scene{},
		events:      multiplexer.NewOneToMany[Event](),
		stopChan:    make(chan struct{}),
		log:         logrus.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.allocator == nil {
		s.allocator = newAllocator(conf.Allocator, s.log)
	}
	if s.strategy == nil {
		s.strategy = NewDrawStrategy(props.Width, props.Height)
	}
	s.compositor = newCompositor(s.scene, conf.Outputs, s.strategy)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.events.StartPlexer()
	return s, nil
}

func newAllocator(kind string, log *logrus.Entry) graphics.Allocator {
	if kind == config.ALLOCATOR_SHM {
		alloc, err := graphics.NewShmAllocator()
		if err == nil {
			return alloc
		}
		log.WithError(err).Warnln("Shm allocator unavailable, falling back to heap")
	}
	return graphics.NewHeapAllocator()
}

// Start creates the configured surfaces and starts compositing.
// If anything fails, everything done so far is reverted.
func (s *DisplayServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: can't start while %v", ErrBadState, s.state)
	}

	var created []string
	revert := func(cause error) error {
		errs := []error{cause}
		for _, name := range created {
			errs = append(errs, s.destroySurface(name))
		}
		return errors.Join(errs...)
	}

	for _, sc := range s.conf.Surfaces {
		if err := s.createSurface(sc); err != nil {
			return revert(fmt.Errorf("creating surface %s: %w", sc.Name, err))
		}
		created = append(created, sc.Name)
	}
	if err := s.compositor.Start(); err != nil {
		return revert(fmt.Errorf("starting compositor: %w", err))
	}

	s.state = StateRunning
	s.log.WithFields(logrus.Fields{
		"surfaces":  len(created),
		"outputs":   len(s.conf.Outputs),
		"buffers":   s.queueing,
		"allocator": fmt.Sprintf("%T", s.allocator),
	}).Infoln("Display server started")
	s.emit(EventStarted)
	return nil
}

// Run blocks until ctx is done or Stop is called, then shuts the server down
func (s *DisplayServer) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.stopChan:
	}
	return s.Shutdown()
}

// Stop makes Run return. Safe to call from anywhere, any number of times
func (s *DisplayServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Shutdown stops the compositor first, then every client, then frees all buffers.
// Calling it again does nothing.
func (s *DisplayServer) Shutdown() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StateStopped {
		return nil
	}
	wasStarted := s.state != StateCreated

	s.compositor.Stop()
	s.cancel()

	s.scene.lock.Lock()
	surfaces := s.scene.surfaces
	s.scene.surfaces = nil
	s.scene.lock.Unlock()

	var errs []error
	for _, surface := range surfaces {
		if err := surface.stop(); err != nil {
			errs = append(errs, fmt.Errorf("surface %s: %w", surface.name, err))
		}
	}

	if live := s.allocator.Live(); live > 0 {
		s.log.WithField("live", live).Warnln("Buffers still alive after shutdown")
	}

	s.state = StateStopped
	if wasStarted {
		s.emit(EventStopped)
	}
	s.events.CloseSender()
	s.Stop()
	s.log.Infoln("Display server stopped")
	return errors.Join(errs...)
}

// Pause stops compositing. Clients keep running until they run out of buffers
func (s *DisplayServer) Pause() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("%w: can't pause while %v", ErrBadState, s.state)
	}
	s.compositor.Stop()
	s.state = StatePaused
	s.emit(EventPaused)
	return nil
}

func (s *DisplayServer) Resume() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("%w: can't resume while %v", ErrBadState, s.state)
	}
	if err := s.compositor.Start(); err != nil {
		return err
	}
	s.state = StateRunning
	s.emit(EventResumed)
	return nil
}

func (s *DisplayServer) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Subscribe returns a channel receiving every state change event from now on.
// Events are dropped for subscribers that don't keep up.
func (s *DisplayServer) Subscribe(name string) (<-chan Event, error) {
	return s.events.MakeReceiver(name, 8)
}

func (s *DisplayServer) Unsubscribe(name string) {
	s.events.CloseReceiver(name)
}

// CreateSurface adds a surface on top of the scene and starts its client
func (s *DisplayServer) CreateSurface(sc config.SurfaceConfig) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StateStopped {
		return fmt.Errorf("%w: server stopped", ErrBadState)
	}
	return s.createSurface(sc)
}

func (s *DisplayServer) DestroySurface(name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.destroySurface(name)
}

// SetSurfaceBuffers changes the number of buffers of a surface while it keeps running
func (s *DisplayServer) SetSurfaceBuffers(name string, n int) error {
	// Keeps the compositor away from the bundle while it switches
	s.scene.lock.Lock()
	defer s.scene.lock.Unlock()
	surface := s.scene.find(name)
	if surface == nil {
		return fmt.Errorf("%w: %s", ErrSurfaceNotFound, name)
	}
	return surface.bundle.SetBufferCount(n)
}

// SetFrameDropping changes the frame dropping policy of one surface, or of all if name is empty
func (s *DisplayServer) SetFrameDropping(name string, policy compositor.FrameDroppingPolicy) error {
	surfaces, err := s.selectSurfaces(name)
	if err != nil {
		return err
	}
	for _, surface := range surfaces {
		surface.bundle.SetFrameDroppingPolicy(policy)
	}
	return nil
}

// AbortSurface makes the client of a surface fail for good. The compositor keeps showing
// its last frame.
func (s *DisplayServer) AbortSurface(name string) error {
	surfaces, err := s.selectSurfaces(name)
	if err != nil {
		return err
	}
	for _, surface := range surfaces {
		surface.bundle.ForceClientAbort()
	}
	return nil
}

// Snapshot returns a copy of what the compositor currently shows for a surface
func (s *DisplayServer) Snapshot(name string) (*image.RGBA, error) {
	s.scene.lock.RLock()
	defer s.scene.lock.RUnlock()
	surface := s.scene.find(name)
	if surface == nil {
		return nil, fmt.Errorf("%w: %s", ErrSurfaceNotFound, name)
	}

	buf, err := surface.bundle.SnapshotAcquire()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := surface.bundle.SnapshotRelease(buf); err != nil {
			s.log.WithError(err).WithField("surface", name).Errorln("Failed to release snapshot")
		}
	}()

	img, ok := buf.(graphics.Imager)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnreadableBuffer, buf)
	}
	src := img.Image()
	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	return out, nil
}

func (s *DisplayServer) Surfaces() []string {
	s.scene.lock.RLock()
	defer s.scene.lock.RUnlock()
	names := make([]string, 0, len(s.scene.surfaces))
	for _, surface := range s.scene.surfaces {
		names = append(names, surface.name)
	}
	return names
}

// Must hold lock

func (s *DisplayServer) createSurface(sc config.SurfaceConfig) error {
	colorName, ok := sc.ParsedColor()
	if !ok {
		return fmt.Errorf("unknown color %q", sc.Color)
	}
	interval, err := sc.Interval()
	if err != nil {
		return err
	}
	client, err := NewFillClient(colorName)
	if err != nil {
		return err
	}

	s.scene.lock.Lock()
	defer s.scene.lock.Unlock()
	if s.scene.find(sc.Name) != nil {
		return fmt.Errorf("%w: %s", ErrSurfaceExists, sc.Name)
	}

	opts := append(append([]compositor.SwapperOption{}, s.swapperOpts...),
		compositor.WithLogger(s.log.WithFields(logrus.Fields{"component": "swapper", "surface": sc.Name})),
	)
	bundle, err := compositor.NewBufferBundle(s.allocator, s.props, s.queueing, opts...)
	if err != nil {
		return err
	}

	surface := newSurface(sc.Name, bundle, client, interval)
	s.scene.surfaces = append(s.scene.surfaces, surface)
	surface.start(s.ctx)
	s.log.WithFields(logrus.Fields{
		"surface":  sc.Name,
		"color":    colorName,
		"interval": interval,
	}).Infoln("Created surface")
	return nil
}

func (s *DisplayServer) destroySurface(name string) error {
	s.scene.lock.Lock()
	surface := s.scene.find(name)
	if surface == nil {
		s.scene.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrSurfaceNotFound, name)
	}
	s.scene.surfaces = sliceutils.Filter(s.scene.surfaces, func(other *Surface) bool {
		return other != surface
	})
	s.scene.lock.Unlock()

	// Out of the scene, so no compositor can hold any of its buffers anymore
	err := surface.stop()
	s.log.WithField("surface", name).Infoln("Destroyed surface")
	return err
}

func (s *DisplayServer) selectSurfaces(name string) ([]*Surface, error) {
	s.scene.lock.RLock()
	defer s.scene.lock.RUnlock()
	if name == "" {
		return append([]*Surface(nil), s.scene.surfaces...), nil
	}
	surface := s.scene.find(name)
	if surface == nil {
		return nil, fmt.Errorf("%w: %s", ErrSurfaceNotFound, name)
	}
	return []*Surface{surface}, nil
}

func (s *DisplayServer) emit(ev Event) {
	s.events.GetSender() <- ev
}
