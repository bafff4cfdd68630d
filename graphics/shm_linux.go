// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package graphics

import (
	"fmt"
	"image/draw"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ShmBuffer is backed by an anonymous memfd mapped into this process.
// The fd can be handed to another process to share the pixels.
type ShmBuffer struct {
	id    BufferID
	props BufferProperties
	fd    int
	mmap  []byte
}

func (b *ShmBuffer) ID() BufferID {
	return b.id
}

func (b *ShmBuffer) Properties() BufferProperties {
	return b.props
}

func (b *ShmBuffer) Fd() int {
	return b.fd
}

func (b *ShmBuffer) Pixels() []byte {
	return b.mmap
}

func (b *ShmBuffer) Image() draw.Image {
	return formatImage(b.props, b.mmap)
}

func (b *ShmBuffer) String() string {
	return fmt.Sprintf("shm-buffer#%d(%dx%d, fd %d)", b.id, b.props.Width, b.props.Height, b.fd)
}

func (b *ShmBuffer) destroy() error {
	var err error
	if b.mmap != nil {
		if merr := unix.Munmap(b.mmap); merr != nil {
			err = fmt.Errorf("munmap: %w", merr)
		}
		b.mmap = nil
	}
	if b.fd >= 0 {
		if cerr := unix.Close(b.fd); cerr != nil && err == nil {
			err = fmt.Errorf("close memfd: %w", cerr)
		}
		b.fd = -1
	}
	return err
}

type ShmAllocator struct {
	lock sync.Mutex
	live map[*ShmBuffer]struct{}
}

func NewShmAllocator() (Allocator, error) {
	return &ShmAllocator{
		live: make(map[*ShmBuffer]struct{}),
	}, nil
}

func (a *ShmAllocator) AllocBuffer(props BufferProperties) (buf Buffer, err error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}

	sb := &ShmBuffer{
		id:    nextBufferID(),
		props: props,
		fd:    -1,
	}
	defer func() {
		if err != nil {
			sb.destroy()
		}
	}()

	sb.fd, err = unix.MemfdCreate(fmt.Sprintf("wayswap-buffer-%d", sb.id), unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create memfd: %w", err)
	}
	if err = unix.Ftruncate(sb.fd, int64(props.Len())); err != nil {
		return nil, fmt.Errorf("truncate memfd: %w", err)
	}
	sb.mmap, err = unix.Mmap(sb.fd, 0, props.Len(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap memfd: %w", err)
	}

	a.lock.Lock()
	a.live[sb] = struct{}{}
	a.lock.Unlock()

	logrus.WithFields(logrus.Fields{
		"id":   sb.id,
		"fd":   sb.fd,
		"size": props.Len(),
	}).Debugln("Allocated shm buffer")
	return sb, nil
}

func (a *ShmAllocator) FreeBuffer(buf Buffer) error {
	sb, ok := buf.(*ShmBuffer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignBuffer, buf)
	}

	a.lock.Lock()
	_, ok = a.live[sb]
	delete(a.live, sb)
	a.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: buffer %d already freed or unknown", ErrForeignBuffer, sb.id)
	}
	return sb.destroy()
}

func (a *ShmAllocator) Live() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.live)
}
