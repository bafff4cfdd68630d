// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mstarongithub/wayswap/graphics"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

var ErrBundleClosed = errors.New("buffer bundle is closed")

// BufferBundle owns the buffers of one surface and the swapper currently managing them.
// The swapper can be replaced at runtime, e.g. to change the number of buffers, while the
// client and compositor keep going. Buffers outstanding during a switch are adopted by the new
// swapper when they come back.
//
// Compositor operations and ClientRelease hold a read lock, switching holds the write lock.
// ClientAcquire doesn't hold anything while blocked.
type BufferBundle struct {
	lock    sync.RWMutex
	swapper *SwapperMulti

	allocator graphics.Allocator
	props     graphics.BufferProperties
	opts      []SwapperOption

	// Every buffer allocated for this bundle and not freed yet
	owned   map[graphics.Buffer]struct{}
	aborted bool
	closed  bool

	log *logrus.Entry
}

func NewBufferBundle(
	allocator graphics.Allocator,
	props graphics.BufferProperties,
	queueing QueueingPolicy,
	opts ...SwapperOption,
) (*BufferBundle, error) {
	if queueing.Buffers() < MinBuffers {
		return nil, fmt.Errorf("bundle needs at least %d buffers, got %v", MinBuffers, queueing)
	}

	b := &BufferBundle{
		allocator: allocator,
		props:     props,
		opts:      opts,
		owned:     make(map[graphics.Buffer]struct{}, queueing.Buffers()),
		log:       logrus.WithField("component", "bundle"),
	}

	buffers, err := b.allocate(queueing.Buffers())
	if err != nil {
		return nil, err
	}
	b.swapper, err = NewSwapperMulti(buffers, len(buffers), opts...)
	if err != nil {
		return nil, errors.Join(err, b.free(buffers))
	}

	b.log.WithFields(logrus.Fields{
		"buffers": len(buffers),
		"width":   props.Width,
		"height":  props.Height,
	}).Debugln("Created buffer bundle")
	return b, nil
}

func (b *BufferBundle) ClientAcquire() (graphics.Buffer, error) {
	for {
		b.lock.RLock()
		sw := b.swapper
		b.lock.RUnlock()

		buf, err := sw.clientAcquire(true)
		if !errors.Is(err, ErrResponsibilityEnded) {
			return buf, err
		}

		b.lock.RLock()
		switched := b.swapper != sw
		closed := b.closed
		b.lock.RUnlock()
		if closed {
			return nil, ErrBundleClosed
		}
		if !switched {
			return nil, err
		}
	}
}

func (b *BufferBundle) ClientRelease(buf graphics.Buffer) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return ErrBundleClosed
	}
	return b.swapper.ClientRelease(buf)
}

func (b *BufferBundle) CompositorAcquire() (graphics.Buffer, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return nil, ErrBundleClosed
	}
	return b.swapper.CompositorAcquire()
}

func (b *BufferBundle) CompositorRelease(buf graphics.Buffer) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return ErrBundleClosed
	}
	return b.swapper.CompositorRelease(buf)
}

func (b *BufferBundle) SnapshotAcquire() (graphics.Buffer, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return nil, ErrBundleClosed
	}
	return b.swapper.SnapshotAcquire()
}

func (b *BufferBundle) SnapshotRelease(buf graphics.Buffer) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return ErrBundleClosed
	}
	return b.swapper.SnapshotRelease(buf)
}

// ForceClientAbort sticks across swapper switches
func (b *BufferBundle) ForceClientAbort() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.aborted = true
	if !b.closed {
		b.swapper.ForceClientAbort()
	}
}

func (b *BufferBundle) ForceRequestsToComplete() error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.closed {
		return ErrBundleClosed
	}
	return b.swapper.ForceRequestsToComplete()
}

// AllowFrameDropping switches between DropFramesPolicy and BlockClientPolicy
func (b *BufferBundle) AllowFrameDropping(allow bool) {
	if allow {
		b.SetFrameDroppingPolicy(DropFramesPolicy{})
	} else {
		b.SetFrameDroppingPolicy(BlockClientPolicy{})
	}
}

func (b *BufferBundle) SetFrameDroppingPolicy(policy FrameDroppingPolicy) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	b.swapper.SetFrameDroppingPolicy(policy)
}

func (b *BufferBundle) FrameDroppingPolicy() FrameDroppingPolicy {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.swapper.FrameDroppingPolicy()
}

func (b *BufferBundle) Stats() SwapperStats {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.swapper.Stats()
}

func (b *BufferBundle) Properties() graphics.BufferProperties {
	return b.props
}

// BufferCount is the number of buffers the bundle owns right now, outstanding ones included
func (b *BufferBundle) BufferCount() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.owned)
}

// SetBufferCount replaces the swapper with one managing n buffers, allocating or freeing as needed.
// The compositor must not hold any buffer of this bundle. Buffers the client holds stay valid and
// count towards n. If the client holds n or more, one free buffer is kept anyway.
func (b *BufferBundle) SetBufferCount(n int) error {
	if n < MinBuffers {
		return fmt.Errorf("bundle needs at least %d buffers, got %d", MinBuffers, n)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return ErrBundleClosed
	}
	if held := b.swapper.Stats().CompositorOwned; held > 0 {
		return fmt.Errorf("compositor still holds %d buffers, can't switch swapper", held)
	}

	policy := b.swapper.FrameDroppingPolicy()
	pool, size, err := b.swapper.EndResponsibility()
	if err != nil {
		return err
	}
	outstanding := size - len(pool)

	want := n - outstanding
	if want < 1 {
		b.log.WithFields(logrus.Fields{
			"requested":   n,
			"outstanding": outstanding,
		}).Warnln("Client holds too many buffers for requested count, keeping one free")
		want = 1
	}

	switch {
	case want > len(pool):
		extra, allocErr := b.allocate(want - len(pool))
		if allocErr != nil {
			// Go on with what we have, the old swapper is gone either way
			b.log.WithError(allocErr).Warnln("Failed to grow bundle")
			err = allocErr
		}
		// Fresh buffers have the oldest content there is
		pool = append(extra, pool...)
	case want < len(pool):
		// Drop from the front, the back holds the newest frames
		drop := len(pool) - want
		if freeErr := b.free(pool[:drop]); freeErr != nil {
			b.log.WithError(freeErr).Warnln("Failed to free some buffers while shrinking bundle")
			err = freeErr
		}
		pool = pool[drop:]
	}

	size = len(pool) + outstanding
	if size < MinBuffers {
		// Happens only if growing failed
		return errors.Join(err, fmt.Errorf("bundle left with %d buffers", size))
	}
	opts := append(slices.Clone(b.opts),
		WithFrameDroppingPolicy(policy),
		// With the compositor idle, everything outstanding is the client's
		withOutstandingClientBuffers(outstanding),
	)
	sw, newErr := NewSwapperMulti(pool, size, opts...)
	if newErr != nil {
		return errors.Join(err, newErr)
	}
	if b.aborted {
		sw.ForceClientAbort()
	}
	b.swapper = sw

	b.log.WithFields(logrus.Fields{
		"buffers":     size,
		"outstanding": outstanding,
	}).Infoln("Switched bundle swapper")
	return err
}

// Close aborts the client side and frees every buffer the swapper could hand back.
// Buffers still held by a client or compositor can't be freed, they are reported as leaked.
func (b *BufferBundle) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.aborted = true
	b.swapper.ForceClientAbort()

	pool, size, err := b.swapper.EndResponsibility()
	if err != nil {
		return err
	}
	err = b.free(pool)

	if leaked := size - len(pool); leaked > 0 {
		b.log.WithField("leaked", leaked).Warnln("Closed bundle with buffers still outstanding")
	}
	return err
}

// Must hold lock or be constructing

func (b *BufferBundle) allocate(n int) ([]graphics.Buffer, error) {
	buffers := make([]graphics.Buffer, 0, n)
	for range n {
		buf, err := b.allocator.AllocBuffer(b.props)
		if err != nil {
			return nil, errors.Join(err, b.free(buffers))
		}
		b.owned[buf] = struct{}{}
		buffers = append(buffers, buf)
	}
	return buffers, nil
}

func (b *BufferBundle) free(buffers []graphics.Buffer) error {
	var errs []error
	for _, buf := range buffers {
		if err := b.allocator.FreeBuffer(buf); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(b.owned, buf)
	}
	return errors.Join(errs...)
}
