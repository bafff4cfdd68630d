// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/mstarongithub/wayswap/graphics"
	"golang.org/x/image/colornames"
)

var ErrUnreadableBuffer = errors.New("buffer has no pixels to access")

// Client produces the content of a surface
type Client interface {
	// Render draws frame into buf. Only called while the client owns buf
	Render(buf graphics.Buffer, frame uint64) error
}

// FillClient fills every frame with one colour plus a one pixel wide marker line
// that moves one column per frame, so consecutive frames are distinguishable
type FillClient struct {
	Color color.Color
}

// NewFillClient takes any colour name from colornames
func NewFillClient(name string) (*FillClient, error) {
	c, ok := colornames.Map[name]
	if !ok {
		return nil, fmt.Errorf("unknown color %q", name)
	}
	return &FillClient{Color: c}, nil
}

func (f *FillClient) Render(buf graphics.Buffer, frame uint64) error {
	img, ok := buf.(graphics.Imager)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnreadableBuffer, buf)
	}
	dst := img.Image()
	bounds := dst.Bounds()
	draw.Draw(dst, bounds, image.NewUniform(f.Color), image.Point{}, draw.Src)

	if bounds.Dx() > 0 {
		x := bounds.Min.X + int(frame%uint64(bounds.Dx()))
		draw.Draw(dst, image.Rect(x, bounds.Min.Y, x+1, bounds.Max.Y), image.White, image.Point{}, draw.Src)
	}
	return nil
}
