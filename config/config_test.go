package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mstarongithub/wayswap/compositor"
)

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	if err := conf.Validate(); err != nil {
		t.Errorf("Default config is invalid: %s", err)
	}
}

func TestParseToml(t *testing.T) {
	data := `
log_level = "debug"
allocator = "heap"

[buffer]
width = 320
height = 200

[swapper]
queueing = "triple"
frame_dropping = "timeout"
drop_timeout = "40ms"

[[outputs]]
name = "DP-1"
refresh_hz = 144

[[outputs]]
name = "HDMI-A-1"

[[surfaces]]
name = "panel"
color = "Teal"
frame_interval = "8ms"
`
	conf, err := Parse([]byte(data), false)
	if err != nil {
		t.Fatalf("Failed to parse: %s", err)
	}
	if err := conf.Validate(); err != nil {
		t.Fatalf("Parsed config is invalid: %s", err)
	}

	if conf.Allocator != ALLOCATOR_HEAP || conf.LogLevel != "debug" {
		t.Errorf("Top level values not parsed: %+v", conf)
	}
	props, _ := conf.BufferProperties()
	if props.Width != 320 || props.Height != 200 || props.Format.String() != "argb8888" {
		t.Errorf("Unexpected buffer properties %+v", props)
	}
	if q, _ := conf.QueueingPolicy(); q != compositor.TripleBuffering {
		t.Errorf("Expected triple buffering, got %v", q)
	}
	policy, _ := conf.FrameDroppingPolicy()
	if p, ok := policy.(compositor.TimeoutDropPolicy); !ok || p.Timeout != 40*time.Millisecond {
		t.Errorf("Unexpected frame dropping policy %v", policy)
	}
	if len(conf.Outputs) != 2 || conf.Outputs[1].RefreshHz != 60 {
		t.Errorf("Outputs not parsed or defaulted: %+v", conf.Outputs)
	}
	if name, ok := conf.Surfaces[0].ParsedColor(); !ok || name != "teal" {
		t.Errorf("Surface color not recognised: %s", name)
	}
}

func TestParseYaml(t *testing.T) {
	data := `
allocator: heap
swapper:
  buffers: 5
  frame_dropping: drop
outputs:
  - name: eDP-1
    refresh_hz: 90
`
	conf, err := Parse([]byte(data), true)
	if err != nil {
		t.Fatalf("Failed to parse: %s", err)
	}
	if err := conf.Validate(); err != nil {
		t.Fatalf("Parsed config is invalid: %s", err)
	}
	if q, _ := conf.QueueingPolicy(); q.Buffers() != 5 {
		t.Errorf("Explicit buffer count ignored, got %v", q)
	}
	if conf.Outputs[0].Period() != time.Second/90 {
		t.Errorf("Unexpected output period %v", conf.Outputs[0].Period())
	}
	if conf.Buffer.Width != Default().Buffer.Width {
		t.Errorf("Missing buffer section wasn't defaulted")
	}
}

func TestValidateCollectsEverything(t *testing.T) {
	conf := Default()
	conf.Allocator = "gpu"
	conf.LogLevel = "chatty"
	conf.Swapper.FrameDropping = "sometimes"
	conf.Outputs = append(conf.Outputs, OutputConfig{Name: "HEADLESS-1", RefreshHz: -1})
	conf.Surfaces = append(conf.Surfaces, SurfaceConfig{Name: "x", Color: "notacolor"})

	err := conf.Validate()
	if err == nil {
		t.Fatal("Broken config was accepted")
	}
	for _, expected := range []string{"gpu", "chatty", "sometimes", "duplicate output", "refresh rate", "notacolor"} {
		if !strings.Contains(err.Error(), expected) {
			t.Errorf("Validation error doesn't mention %q: %s", expected, err)
		}
	}
}

func TestValidateSingleCommand(t *testing.T) {
	conf := Default()
	conf.StartType = START_SINGLE_COMMAND
	if err := conf.Validate(); err == nil {
		t.Error("Single command start without command was accepted")
	}
	cmd := "stats"
	conf.StartCommand = &cmd
	if err := conf.Validate(); err != nil {
		t.Errorf("Single command start rejected: %s", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Missing file returned error: %s", err)
	}
	if conf.Allocator != Default().Allocator {
		t.Errorf("Missing file didn't give defaults")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, asYaml := range []bool{false, true} {
		conf := Default()
		conf.Swapper.Queueing = "triple"
		data, err := conf.Marshal(asYaml)
		if err != nil {
			t.Fatalf("yaml=%v: marshal failed: %s", asYaml, err)
		}

		name := "config.toml"
		if asYaml {
			name = "config.yaml"
		}
		path := filepath.Join(t.TempDir(), name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("yaml=%v: load failed: %s", asYaml, err)
		}
		if loaded.Swapper.Queueing != "triple" || len(loaded.Surfaces) != len(conf.Surfaces) {
			t.Errorf("yaml=%v: config changed on the way: %+v", asYaml, loaded)
		}
	}
}
