// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mstarongithub/wayswap/compositor"
	"github.com/mstarongithub/wayswap/graphics"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/colornames"
)

type StartType int

const (
	// Tells wayswap to start a repl in parallel for interacting with it
	START_REPL = StartType(iota)
	// Tells wayswap to execute a specific command on startup
	START_SINGLE_COMMAND
	// Tells wayswap to start without any specific targets
	// Note: Good luck interacting with it :3
	START_NONE
)

const (
	ALLOCATOR_SHM  = "shm"
	ALLOCATOR_HEAP = "heap"
)

type Config struct {
	StartType StartType `toml:"start_type,omitempty" yaml:"start_type,omitempty"`
	// What command to execute on start. Only matters if StartType is set to START_SINGLE_COMMAND
	StartCommand *string `toml:"start_command,omitempty" yaml:"start_command,omitempty"`

	// Anything logrus.ParseLevel understands
	LogLevel string `toml:"log_level" yaml:"log_level"`
	// Either "shm" or "heap". shm falls back to heap on platforms without memfd
	Allocator string `toml:"allocator" yaml:"allocator"`

	Buffer   BufferConfig    `toml:"buffer" yaml:"buffer"`
	Swapper  SwapperConfig   `toml:"swapper" yaml:"swapper"`
	Outputs  []OutputConfig  `toml:"outputs" yaml:"outputs"`
	Surfaces []SurfaceConfig `toml:"surfaces" yaml:"surfaces"`
}

type BufferConfig struct {
	Width  int    `toml:"width" yaml:"width"`
	Height int    `toml:"height" yaml:"height"`
	Format string `toml:"format" yaml:"format"`
}

type SwapperConfig struct {
	// "double" or "triple"
	Queueing string `toml:"queueing" yaml:"queueing"`
	// Overrides Queueing if set
	Buffers int `toml:"buffers,omitempty" yaml:"buffers,omitempty"`
	// "block", "drop" or "timeout"
	FrameDropping string `toml:"frame_dropping" yaml:"frame_dropping"`
	// Only used for "timeout", e.g. "50ms"
	DropTimeout string `toml:"drop_timeout,omitempty" yaml:"drop_timeout,omitempty"`
	// Panic on swapper contract violations instead of returning errors
	StrictPreconditions bool `toml:"strict_preconditions" yaml:"strict_preconditions"`
}

// One display head. Each gets its own compositor goroutine
type OutputConfig struct {
	Name      string `toml:"name" yaml:"name"`
	RefreshHz int    `toml:"refresh_hz" yaml:"refresh_hz"`
}

// A surface created on startup, driven by a client filling it with a solid colour
type SurfaceConfig struct {
	Name string `toml:"name" yaml:"name"`
	// Any name from golang.org/x/image/colornames
	Color string `toml:"color" yaml:"color"`
	// Time between frames, e.g. "16ms". Empty or 0 renders as fast as buffers come free
	FrameInterval string `toml:"frame_interval,omitempty" yaml:"frame_interval,omitempty"`
}

// Default returns the config used when no file exists
func Default() Config {
	return Config{
		StartType: START_REPL,
		LogLevel:  "info",
		Allocator: ALLOCATOR_SHM,
		Buffer: BufferConfig{
			Width:  320,
			Height: 240,
			Format: "argb8888",
		},
		Swapper: SwapperConfig{
			Queueing:      "double",
			FrameDropping: "block",
		},
		Outputs: []OutputConfig{
			{Name: "HEADLESS-1", RefreshHz: 60},
		},
		Surfaces: []SurfaceConfig{
			{Name: "background", Color: "rebeccapurple", FrameInterval: "16ms"},
		},
	}
}

// Fill zero values with their defaults. Outputs are required, surfaces aren't
func (c *Config) fillDefaults() {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Allocator == "" {
		c.Allocator = def.Allocator
	}
	if c.Buffer.Width == 0 {
		c.Buffer.Width = def.Buffer.Width
	}
	if c.Buffer.Height == 0 {
		c.Buffer.Height = def.Buffer.Height
	}
	if c.Buffer.Format == "" {
		c.Buffer.Format = def.Buffer.Format
	}
	if c.Swapper.Queueing == "" {
		c.Swapper.Queueing = def.Swapper.Queueing
	}
	if c.Swapper.FrameDropping == "" {
		c.Swapper.FrameDropping = def.Swapper.FrameDropping
	}
	if len(c.Outputs) == 0 {
		c.Outputs = def.Outputs
	}
	for i := range c.Outputs {
		if c.Outputs[i].RefreshHz == 0 {
			c.Outputs[i].RefreshHz = 60
		}
	}
}

func (c *Config) ParsedLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

func (c *Config) BufferProperties() (graphics.BufferProperties, error) {
	format, err := graphics.ParsePixelFormat(c.Buffer.Format)
	if err != nil {
		return graphics.BufferProperties{}, err
	}
	props := graphics.BufferProperties{
		Width:  c.Buffer.Width,
		Height: c.Buffer.Height,
		Format: format,
	}
	return props, props.Validate()
}

func (c *Config) QueueingPolicy() (compositor.QueueingPolicy, error) {
	if c.Swapper.Buffers != 0 {
		if c.Swapper.Buffers < compositor.MinBuffers {
			return 0, fmt.Errorf("swapper needs at least %d buffers, got %d", compositor.MinBuffers, c.Swapper.Buffers)
		}
		return compositor.QueueingPolicy(c.Swapper.Buffers), nil
	}
	return compositor.ParseQueueingPolicy(c.Swapper.Queueing)
}

func (c *Config) FrameDroppingPolicy() (compositor.FrameDroppingPolicy, error) {
	var timeout time.Duration
	if c.Swapper.DropTimeout != "" {
		var err error
		if timeout, err = time.ParseDuration(c.Swapper.DropTimeout); err != nil {
			return nil, fmt.Errorf("invalid drop timeout: %w", err)
		}
	}
	return compositor.ParseFrameDroppingPolicy(c.Swapper.FrameDropping, timeout)
}

// Options for every swapper created from this config
func (c *Config) SwapperOptions() ([]compositor.SwapperOption, error) {
	policy, err := c.FrameDroppingPolicy()
	if err != nil {
		return nil, err
	}
	return []compositor.SwapperOption{
		compositor.WithFrameDroppingPolicy(policy),
		compositor.WithStrictPreconditions(c.Swapper.StrictPreconditions),
	}, nil
}

func (s *SurfaceConfig) Interval() (time.Duration, error) {
	if s.FrameInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.FrameInterval)
	if err != nil {
		return 0, fmt.Errorf("surface %s: invalid frame interval: %w", s.Name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("surface %s: negative frame interval %v", s.Name, d)
	}
	return d, nil
}

func (s *SurfaceConfig) ParsedColor() (colorName string, ok bool) {
	colorName = strings.ToLower(s.Color)
	_, ok = colornames.Map[colorName]
	return colorName, ok
}

func (o *OutputConfig) Period() time.Duration {
	return time.Second / time.Duration(o.RefreshHz)
}

// Validate checks everything and returns all problems found at once
func (c *Config) Validate() error {
	var errs []error

	if c.StartType < START_REPL || c.StartType > START_NONE {
		errs = append(errs, fmt.Errorf("unknown start type %d", c.StartType))
	}
	if c.StartType == START_SINGLE_COMMAND && (c.StartCommand == nil || *c.StartCommand == "") {
		errs = append(errs, errors.New("start type single command needs a start_command"))
	}
	if _, err := c.ParsedLogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Allocator != ALLOCATOR_SHM && c.Allocator != ALLOCATOR_HEAP {
		errs = append(errs, fmt.Errorf("unknown allocator %q", c.Allocator))
	}
	if _, err := c.BufferProperties(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.QueueingPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FrameDroppingPolicy(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Outputs) == 0 {
		errs = append(errs, errors.New("at least one output is needed"))
	}
	outputs := make(map[string]struct{}, len(c.Outputs))
	for _, o := range c.Outputs {
		if o.Name == "" {
			errs = append(errs, errors.New("output without name"))
		}
		if _, ok := outputs[o.Name]; ok {
			errs = append(errs, fmt.Errorf("duplicate output %s", o.Name))
		}
		outputs[o.Name] = struct{}{}
		if o.RefreshHz <= 0 {
			errs = append(errs, fmt.Errorf("output %s: refresh rate must be positive, got %d", o.Name, o.RefreshHz))
		}
	}

	surfaces := make(map[string]struct{}, len(c.Surfaces))
	for _, s := range c.Surfaces {
		if s.Name == "" {
			errs = append(errs, errors.New("surface without name"))
		}
		if _, ok := surfaces[s.Name]; ok {
			errs = append(errs, fmt.Errorf("duplicate surface %s", s.Name))
		}
		surfaces[s.Name] = struct{}{}
		if _, ok := s.ParsedColor(); !ok {
			errs = append(errs, fmt.Errorf("surface %s: unknown color %q", s.Name, s.Color))
		}
		if _, err := s.Interval(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
