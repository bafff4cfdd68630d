// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package compositor implements the hand-off of rendered buffers between a client
// and the compositor.
//
// A buffer is always in exactly one of four states as far as a swapper is concerned:
//
//	        ClientAcquire            ClientRelease
//	 free ───────────────► client owned ───────────────► ready
//	  ▲                                                    │
//	  │                                           CompositorAcquire
//	  │                                                    ▼
//	  └──── CompositorRelease (last reference) ──── compositor owned(n)
//
// Whoever holds a buffer in the client owned state may write its pixels,
// whoever holds it in the compositor owned state may read them. Nobody else may touch them.
// Nothing enforces this besides callers sticking to it.
package compositor

import "github.com/mstarongithub/wayswap/graphics"

// BufferSwapper is safe for concurrent use by one client goroutine, any number of
// compositor goroutines and a goroutine driving shutdown.
type BufferSwapper interface {
	// ClientAcquire returns a buffer for the client to draw into.
	// Blocks until one is available. Fails with ErrAborted once ForceClientAbort was called,
	// including for calls that are already blocked.
	ClientAcquire() (graphics.Buffer, error)
	// ClientRelease submits a buffer from ClientAcquire as the newest frame
	ClientRelease(buf graphics.Buffer) error

	// CompositorAcquire never blocks. It returns the next submitted frame if there is one,
	// otherwise the same buffer as the last call. Policies that allow dropping skip straight to
	// the newest frame, BlockClientPolicy hands frames out in submission order. It never returns a frame older than one it
	// returned before. Every call needs its own CompositorRelease.
	CompositorAcquire() (graphics.Buffer, error)
	CompositorRelease(buf graphics.Buffer) error

	// ForceClientAbort makes every current and future ClientAcquire fail with ErrAborted.
	// The compositor side keeps working. There is no way back.
	ForceClientAbort()
	// ForceRequestsToComplete unblocks a single waiting ClientAcquire. Without a waiting client
	// it does nothing. Only legal while the compositor holds no buffer and the client holds at
	// most one. Forcing never lets the client hold more buffers than usual.
	ForceRequestsToComplete() error
	// EndResponsibility hands every buffer the swapper still holds to the caller, together with
	// the number of buffers it was responsible for in total. The difference is still held by
	// clients or compositors. Any further call on the swapper is a precondition violation.
	EndResponsibility() (buffers []graphics.Buffer, originalSize int, err error)

	Stats() SwapperStats
}

type SwapperStats struct {
	// Buffers the swapper is responsible for, including ones not adopted yet
	Size int
	// Buffers the swapper actually tracks
	Tracked int

	Free            int
	Ready           int
	ClientOwned     int
	CompositorOwned int
	// Live compositor (and snapshot) acquisitions summed over all buffers
	CompositorRefs int

	// Goroutines currently inside ClientAcquire
	Waiting       int
	DroppedFrames uint64
	Aborted       bool
	Ended         bool
}
