// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/mstarongithub/wayswap/graphics"
)

// Layer is one surface's buffer as acquired for a single output frame
type Layer struct {
	Surface string
	Buffer  graphics.Buffer
}

// CompositingStrategy turns the acquired layers into an output frame.
// The buffers are only valid until Composite returns.
// Composite is called concurrently for different outputs, but never for the same one.
type CompositingStrategy interface {
	Composite(output string, frame uint64, layers []Layer) error
}

// DrawStrategy blends all layers bottom to top into one in-memory framebuffer per output
type DrawStrategy struct {
	lock    sync.Mutex
	bounds  image.Rectangle
	targets map[string]*drawTarget
}

type drawTarget struct {
	lock sync.Mutex
	img  *image.RGBA
}

func NewDrawStrategy(width, height int) *DrawStrategy {
	return &DrawStrategy{
		bounds:  image.Rect(0, 0, width, height),
		targets: make(map[string]*drawTarget),
	}
}

func (d *DrawStrategy) Composite(output string, _ uint64, layers []Layer) error {
	t := d.target(output)
	t.lock.Lock()
	defer t.lock.Unlock()

	target := t.img
	draw.Draw(target, target.Bounds(), image.Transparent, image.Point{}, draw.Src)

	for _, layer := range layers {
		img, ok := layer.Buffer.(graphics.Imager)
		if !ok {
			return fmt.Errorf("surface %s: %w: %T", layer.Surface, ErrUnreadableBuffer, layer.Buffer)
		}
		src := img.Image()
		draw.Draw(target, target.Bounds(), src, src.Bounds().Min, draw.Over)
	}
	return nil
}

// Output returns a copy of the last frame composited for output, nil if there wasn't one
func (d *DrawStrategy) Output(name string) *image.RGBA {
	d.lock.Lock()
	t, ok := d.targets[name]
	d.lock.Unlock()
	if !ok {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	out := image.NewRGBA(t.img.Bounds())
	draw.Draw(out, out.Bounds(), t.img, image.Point{}, draw.Src)
	return out
}

func (d *DrawStrategy) target(output string) *drawTarget {
	d.lock.Lock()
	defer d.lock.Unlock()
	t, ok := d.targets[output]
	if !ok {
		t = &drawTarget{img: image.NewRGBA(d.bounds)}
		d.targets[output] = t
	}
	return t
}
