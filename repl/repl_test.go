package repl

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

type nopWriteCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopWriteCloser) Close() error {
	n.closed = true
	return nil
}

func TestReplEcho(t *testing.T) {
	in := &closeRecorder{Reader: strings.NewReader("stats\n\n   \n  pause  \n")}
	out := &nopWriteCloser{}
	r := NewRepl(in, out)

	var got []string
	err := r.Run(func(msg string, _ *Repl) (string, error) {
		got = append(got, msg)
		return "ok " + msg, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != 2 || got[0] != "stats" || got[1] != "pause" {
		t.Errorf("Handler got %q", got)
	}
	if out.String() != "ok stats\nok pause\n" {
		t.Errorf("Output is %q", out.String())
	}
	if !in.closed || !out.closed {
		t.Error("Input or output not closed after run")
	}
}

func TestReplStop(t *testing.T) {
	in := &closeRecorder{Reader: strings.NewReader("quit\nnever\n")}
	out := &nopWriteCloser{}
	r := NewRepl(in, out)
	r.Prompt = "> "

	calls := 0
	err := r.Run(func(msg string, _ *Repl) (string, error) {
		calls++
		return "bye", ErrStop
	})
	if err != nil {
		t.Errorf("ErrStop made Run fail: %v", err)
	}
	if calls != 1 {
		t.Errorf("Handler called %d times after stop", calls)
	}
	if out.String() != "> bye\n" {
		t.Errorf("Output is %q", out.String())
	}
}

func TestReplHandlerError(t *testing.T) {
	failure := errors.New("broken")
	r := NewRepl(&closeRecorder{Reader: strings.NewReader("x\n")}, &nopWriteCloser{})
	err := r.Run(func(string, *Repl) (string, error) {
		return "", failure
	})
	if !errors.Is(err, failure) {
		t.Errorf("Run returned %v, want wrapped handler error", err)
	}
}
