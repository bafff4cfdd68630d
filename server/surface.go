// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mstarongithub/wayswap/compositor"
	"github.com/sirupsen/logrus"
)

// Surface connects one client goroutine to the compositor through a buffer bundle
type Surface struct {
	name     string
	bundle   *compositor.BufferBundle
	client   Client
	interval time.Duration

	frames atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
	log    *logrus.Entry
}

func newSurface(name string, bundle *compositor.BufferBundle, client Client, interval time.Duration) *Surface {
	return &Surface{
		name:     name,
		bundle:   bundle,
		client:   client,
		interval: interval,
		done:     make(chan struct{}),
		log:      logrus.WithField("surface", name),
	}
}

func (s *Surface) Name() string {
	return s.name
}

// Frames the client has submitted so far
func (s *Surface) Frames() uint64 {
	return s.frames.Load()
}

func (s *Surface) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *Surface) run(ctx context.Context) {
	defer close(s.done)

	var ticker *time.Ticker
	if s.interval > 0 {
		ticker = time.NewTicker(s.interval)
		defer ticker.Stop()
	}

	s.log.Debugln("Client started")
	for ctx.Err() == nil {
		buf, err := s.bundle.ClientAcquire()
		if errors.Is(err, compositor.ErrAborted) || errors.Is(err, compositor.ErrBundleClosed) {
			s.log.Debugln("Client aborted")
			return
		}
		if err != nil {
			s.log.WithError(err).Errorln("Client failed to acquire buffer")
			return
		}

		frame := s.frames.Add(1)
		renderErr := s.client.Render(buf, frame)
		if err := s.bundle.ClientRelease(buf); err != nil {
			s.log.WithError(err).Errorln("Client failed to release buffer")
			return
		}
		if renderErr != nil {
			s.log.WithError(renderErr).WithField("frame", frame).Warnln("Client failed to render")
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
	}
	s.log.Debugln("Client stopped")
}

// stop shuts the surface down. The compositor must not be able to reach it anymore.
func (s *Surface) stop() error {
	s.cancel()
	// A client stuck waiting for the compositor gets a buffer and notices the cancel itself
	if err := s.bundle.ForceRequestsToComplete(); err != nil {
		s.log.WithError(err).Debugln("Couldn't force client requests to complete")
	}
	s.bundle.ForceClientAbort()
	<-s.done
	return s.bundle.Close()
}

// scene is the ordered set of surfaces, bottom first.
// Compositor outputs hold the read lock for a whole frame, so anything holding the write lock
// knows no compositor holds a buffer.
type scene struct {
	lock     sync.RWMutex
	surfaces []*Surface
}

func (sc *scene) find(name string) *Surface {
	for _, s := range sc.surfaces {
		if s.name == name {
			return s
		}
	}
	return nil
}
