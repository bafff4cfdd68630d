// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package graphics holds the buffer handles that get passed between clients and the compositor
// and the allocators that create them.
package graphics

import (
	"errors"
	"fmt"
	"image/draw"
	"strings"
	"sync/atomic"
)

var (
	ErrInvalidProperties = errors.New("invalid buffer properties")
	// Returned when an allocator is asked to free a buffer it didn't hand out
	ErrForeignBuffer = errors.New("buffer was not allocated by this allocator")
)

type BufferID uint32

type PixelFormat int

const (
	PixelFormatInvalid = PixelFormat(iota)
	PixelFormatARGB8888
	PixelFormatXRGB8888
)

// Bytes per pixel for the format. 0 for invalid formats
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatARGB8888, PixelFormatXRGB8888:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatARGB8888:
		return "argb8888"
	case PixelFormatXRGB8888:
		return "xrgb8888"
	default:
		return "invalid"
	}
}

// ParsePixelFormat turns a config string like "argb8888" into a PixelFormat
func ParsePixelFormat(name string) (PixelFormat, error) {
	switch strings.ToLower(name) {
	case "argb8888", "argb_8888":
		return PixelFormatARGB8888, nil
	case "xrgb8888", "xrgb_8888":
		return PixelFormatXRGB8888, nil
	default:
		return PixelFormatInvalid, fmt.Errorf("%w: unknown pixel format %q", ErrInvalidProperties, name)
	}
}

type BufferProperties struct {
	Width  int
	Height int
	Format PixelFormat
}

func (p BufferProperties) Stride() int {
	return p.Width * p.Format.BytesPerPixel()
}

// Size of the pixel storage in bytes
func (p BufferProperties) Len() int {
	return p.Stride() * p.Height
}

func (p BufferProperties) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidProperties, p.Width, p.Height)
	}
	if p.Format.BytesPerPixel() == 0 {
		return fmt.Errorf("%w: format %v", ErrInvalidProperties, p.Format)
	}
	return nil
}

// Buffer is the opaque handle the swapper moves around.
// Swappers only ever compare buffers by identity, so implementations must be pointer types.
// Nothing in this interface says who may touch the pixels: that is decided by whichever
// swapper state the buffer is in (client owned for writing, compositor owned for reading).
type Buffer interface {
	ID() BufferID
	Properties() BufferProperties
}

// Imager is implemented by buffers whose pixels are reachable from Go
type Imager interface {
	Image() draw.Image
}

var lastBufferID atomic.Uint32

func nextBufferID() BufferID {
	return BufferID(lastBufferID.Add(1))
}
