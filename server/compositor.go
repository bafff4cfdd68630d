// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mstarongithub/wayswap/config"
	"github.com/mstarongithub/wayswap/util/multiplexer"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

var ErrCompositorRunning = errors.New("compositor is already running")

// FrameReport describes one composited output frame
type FrameReport struct {
	Output   string
	Frame    uint64
	Layers   int
	Duration time.Duration
	Err      error
}

// Compositor runs one goroutine per output, each compositing every surface of the scene
// at the output's refresh rate
type Compositor struct {
	lock     sync.Mutex
	scene    *scene
	outputs  []config.OutputConfig
	strategy CompositingStrategy

	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	reports     *multiplexer.ManyToOne[FrameReport]
	collectDone chan struct{}

	statsLock sync.Mutex
	frames    map[string]uint64
	failed    map[string]uint64
}

func newCompositor(sc *scene, outputs []config.OutputConfig, strategy CompositingStrategy) *Compositor {
	return &Compositor{
		scene:    sc,
		outputs:  outputs,
		strategy: strategy,
		frames:   make(map[string]uint64, len(outputs)),
		failed:   make(map[string]uint64, len(outputs)),
	}
}

func (c *Compositor) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.running {
		return ErrCompositorRunning
	}

	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())

	reportChan := make(chan FrameReport, 4*len(c.outputs))
	c.reports = multiplexer.NewManyToOne(reportChan)
	c.collectDone = make(chan struct{})
	go c.collect(reportChan, c.collectDone)

	for _, output := range c.outputs {
		c.wg.Add(1)
		go c.runOutput(ctx, output, c.reports)
	}
	c.running = true
	logrus.WithField("outputs", len(c.outputs)).Infoln("Compositor started")
	return nil
}

// Stop returns once no output holds any buffer anymore. Stopping a stopped compositor does nothing
func (c *Compositor) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.reports.Close()
	<-c.collectDone
	c.running = false
	logrus.Infoln("Compositor stopped")
}

func (c *Compositor) Running() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.running
}

// Frames composited per output, across restarts
func (c *Compositor) Frames() map[string]uint64 {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	return maps.Clone(c.frames)
}

// Frames per output that had at least one error
func (c *Compositor) FailedFrames() map[string]uint64 {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	return maps.Clone(c.failed)
}

func (c *Compositor) runOutput(ctx context.Context, output config.OutputConfig, reports *multiplexer.ManyToOne[FrameReport]) {
	defer c.wg.Done()
	log := logrus.WithField("output", output.Name)
	log.WithField("period", output.Period()).Debugln("Output started")

	ticker := time.NewTicker(output.Period())
	defer ticker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			log.Debugln("Output stopped")
			return
		case <-ticker.C:
		}
		frame++
		if err := reports.Send(c.compositeFrame(output.Name, frame)); err != nil {
			log.WithError(err).Warnln("Failed to report frame")
		}
	}
}

// Acquires a buffer from every surface, hands them to the strategy and releases them again
func (c *Compositor) compositeFrame(output string, frame uint64) FrameReport {
	start := time.Now()

	c.scene.lock.RLock()
	defer c.scene.lock.RUnlock()

	var errs []error
	layers := make([]Layer, 0, len(c.scene.surfaces))
	owners := make([]*Surface, 0, len(c.scene.surfaces))
	for _, s := range c.scene.surfaces {
		buf, err := s.bundle.CompositorAcquire()
		if err != nil {
			errs = append(errs, fmt.Errorf("surface %s: %w", s.name, err))
			continue
		}
		layers = append(layers, Layer{Surface: s.name, Buffer: buf})
		owners = append(owners, s)
	}

	if err := c.strategy.Composite(output, frame, layers); err != nil {
		errs = append(errs, err)
	}

	for i, layer := range layers {
		if err := owners[i].bundle.CompositorRelease(layer.Buffer); err != nil {
			errs = append(errs, fmt.Errorf("surface %s: %w", layer.Surface, err))
		}
	}

	return FrameReport{
		Output:   output,
		Frame:    frame,
		Layers:   len(layers),
		Duration: time.Since(start),
		Err:      errors.Join(errs...),
	}
}

func (c *Compositor) collect(reports <-chan FrameReport, done chan struct{}) {
	defer close(done)
	for report := range reports {
		c.statsLock.Lock()
		c.frames[report.Output]++
		if report.Err != nil {
			c.failed[report.Output]++
		}
		c.statsLock.Unlock()

		entry := logrus.WithFields(logrus.Fields{
			"output":   report.Output,
			"frame":    report.Frame,
			"layers":   report.Layers,
			"duration": report.Duration,
		})
		if report.Err != nil {
			entry.WithError(report.Err).Warnln("Frame composited with errors")
		} else {
			entry.Traceln("Frame composited")
		}
	}
}
