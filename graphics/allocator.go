// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package graphics

import (
	"fmt"
	"image"
	"image/draw"
	"sync"

	ximage "deedles.dev/ximage/format"
	"github.com/sirupsen/logrus"
)

// Allocator creates and destroys buffers.
// Swappers never call into it, only whoever constructs and tears them down does.
type Allocator interface {
	AllocBuffer(props BufferProperties) (Buffer, error)
	FreeBuffer(buf Buffer) error
	// Number of buffers handed out and not yet freed
	Live() int
}

// HeapBuffer keeps its pixels in ordinary Go memory
type HeapBuffer struct {
	id    BufferID
	props BufferProperties
	pix   []byte
}

func (b *HeapBuffer) ID() BufferID {
	return b.id
}

func (b *HeapBuffer) Properties() BufferProperties {
	return b.props
}

// Raw pixel storage. Only valid while the caller is allowed to access the buffer
func (b *HeapBuffer) Pixels() []byte {
	return b.pix
}

func (b *HeapBuffer) Image() draw.Image {
	return formatImage(b.props, b.pix)
}

func (b *HeapBuffer) String() string {
	return fmt.Sprintf("heap-buffer#%d(%dx%d)", b.id, b.props.Width, b.props.Height)
}

// HeapAllocator allocates HeapBuffers. Used for tests, tool mode and platforms without memfd.
type HeapAllocator struct {
	lock sync.Mutex
	live map[*HeapBuffer]struct{}
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{
		live: make(map[*HeapBuffer]struct{}),
	}
}

func (a *HeapAllocator) AllocBuffer(props BufferProperties) (Buffer, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	buf := &HeapBuffer{
		id:    nextBufferID(),
		props: props,
		pix:   make([]byte, props.Len()),
	}

	a.lock.Lock()
	a.live[buf] = struct{}{}
	a.lock.Unlock()

	logrus.WithFields(logrus.Fields{
		"id":     buf.id,
		"width":  props.Width,
		"height": props.Height,
		"format": props.Format,
	}).Debugln("Allocated heap buffer")
	return buf, nil
}

func (a *HeapAllocator) FreeBuffer(buf Buffer) error {
	hb, ok := buf.(*HeapBuffer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.live[hb]; !ok {
		return fmt.Errorf("%w: buffer %d already freed or unknown", ErrForeignBuffer, hb.id)
	}
	delete(a.live, hb)
	hb.pix = nil
	return nil
}

func (a *HeapAllocator) Live() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.live)
}

func formatImage(props BufferProperties, pix []byte) draw.Image {
	// xrgb is stored the same way, the alpha byte just gets ignored by whoever scans out
	return &ximage.Image{
		Format: ximage.ARGB8888,
		Rect:   image.Rect(0, 0, props.Width, props.Height),
		Pix:    pix,
	}
}
