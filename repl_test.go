package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mstarongithub/wayswap/common/ipc"
	"github.com/mstarongithub/wayswap/config"
	"github.com/mstarongithub/wayswap/graphics"
	"github.com/mstarongithub/wayswap/repl"
	"github.com/mstarongithub/wayswap/server"
)

func newConsoleServer(t *testing.T) *server.DisplayServer {
	t.Helper()
	conf := config.Default()
	conf.Buffer.Width = 4
	conf.Buffer.Height = 4
	conf.Outputs = []config.OutputConfig{{Name: "TEST-1", RefreshHz: 200}}
	conf.Surfaces = []config.SurfaceConfig{{Name: "bg", Color: "green", FrameInterval: "1ms"}}

	srv, err := server.New(&conf, server.WithAllocator(graphics.NewHeapAllocator()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return srv
}

func TestConsoleCommands(t *testing.T) {
	srv := newConsoleServer(t)

	tests := []struct {
		input string
		want  string
	}{
		{"help", "Commands:"},
		{"nonsense", "Unknown command"},
		{"surface add top blue 2ms", "Added surface top"},
		{"surface add top blue", "Error: surface already exists"},
		{"surface add lonely", "Usage: surface add"},
		{"surface", "bg\ntop"},
		{"framedrop all drop", "Frame dropping of all set to drop"},
		{"framedrop top timeout", "Error:"},
		{"framedrop top timeout 5ms", "set to timeout(5ms)"},
		{"framedrop top", "Usage: framedrop"},
		{"buffers top three", "Error: buffer count must be a number"},
		{"buffers top 3", "Surface top now has 3 buffers"},
		{"abort", "Usage: abort"},
		{"abort nope", "Error: surface not found"},
		{"snapshot top", "Surface top: 4x4"},
		{"surface rm top", "Removed surface top"},
		{"pause", "Paused"},
		{"pause", "Error:"},
		{"resume", "Resumed"},
		{"stats", "Surface bg:"},
		{"run", "Usage: run"},
	}
	for _, test := range tests {
		got, err := handleCommand(srv, test.input, nil)
		if err != nil {
			t.Errorf("%q returned error %v", test.input, err)
		}
		if !strings.Contains(got, test.want) {
			t.Errorf("%q printed %q, want it to contain %q", test.input, got, test.want)
		}
	}
}

func TestConsoleStatsJson(t *testing.T) {
	srv := newConsoleServer(t)
	out, err := handleCommand(srv, "stats json", nil)
	if err != nil {
		t.Fatalf("stats json failed: %v", err)
	}
	var resp ipc.StatsResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("stats json printed invalid json: %v\n%s", err, out)
	}
	if resp.State != "running" || len(resp.Surfaces) != 1 || resp.Surfaces[0].Name != "bg" {
		t.Errorf("Unexpected stats %+v", resp)
	}
}

func TestConsoleQuit(t *testing.T) {
	srv := newConsoleServer(t)
	out, err := handleCommand(srv, "quit", nil)
	if !errors.Is(err, repl.ErrStop) {
		t.Errorf("quit returned %v, want ErrStop", err)
	}
	if out != "Quitting" {
		t.Errorf("quit printed %q", out)
	}
}

func TestConsoleStatsSortsOutputs(t *testing.T) {
	conf := config.Default()
	conf.Buffer.Width = 4
	conf.Buffer.Height = 4
	conf.Outputs = []config.OutputConfig{{Name: "TEST-2", RefreshHz: 200}, {Name: "TEST-1", RefreshHz: 200}}
	conf.Surfaces = []config.SurfaceConfig{{Name: "bg", Color: "green", FrameInterval: "1ms"}}
	srv, err := server.New(&conf, server.WithAllocator(graphics.NewHeapAllocator()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Stats().OutputFrames) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Outputs never composited a frame")
		}
		time.Sleep(time.Millisecond)
	}

	out, err := handleCommand(srv, "stats", nil)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	first, second := strings.Index(out, "Output TEST-1"), strings.Index(out, "Output TEST-2")
	if first < 0 || second < 0 || first > second {
		t.Errorf("Outputs not listed in order:\n%s", out)
	}
}
