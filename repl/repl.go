// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrStop can be returned by a MessageHandler to end the repl without it counting as a failure.
// The response returned alongside it is still written.
var ErrStop = errors.New("repl stopped")

type MessageHandler func(string, *Repl) (string, error)

// ReadCloser combines the Reader and Closer interfaces
type ReadCloser interface {
	io.Reader
	io.Closer
}

type Repl struct {
	Input  ReadCloser
	Output io.WriteCloser
	// Written before every line of input is read. Empty for none
	Prompt  string
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// Creates a new repl
// If no input is given, stdin will be used
// If no output is given, stdout will be used
// Note: The given reader and writer will be closed if the repl is started and then stops
func NewRepl(in ReadCloser, out io.WriteCloser) *Repl {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Repl{
		Input:   in,
		Output:  out,
		scanner: bufio.NewScanner(in),
		writer:  bufio.NewWriter(out),
	}
}

// Starts the repl
// Blocks execution until the repl closes
// All non-empty input lines will be passed to the handler func, trimmed
// Stops and calls Close once input ends, the handler returns an error or writing fails.
// Only handler errors other than ErrStop are returned.
func (r *Repl) Run(onMessage MessageHandler) error {
	defer r.Close()
	for {
		if err := r.prompt(); err != nil {
			return err
		}
		if !r.scanner.Scan() {
			return nil
		}
		newMessage := strings.TrimSpace(r.scanner.Text())
		if newMessage == "" {
			continue
		}

		res, handlerErr := onMessage(newMessage, r)
		if res != "" {
			if err := r.Println(res); err != nil {
				return err
			}
		}
		if errors.Is(handlerErr, ErrStop) {
			return nil
		}
		if handlerErr != nil {
			return fmt.Errorf("message handler errored out on message \"%s\": %w", newMessage, handlerErr)
		}
	}
}

// Println writes a line to the output right away. Safe to use from the handler only
func (r *Repl) Println(line string) error {
	if _, err := r.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write result \"%s\": %w", line, err)
	}
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

func (r *Repl) prompt() error {
	if r.Prompt == "" {
		return nil
	}
	if _, err := r.writer.WriteString(r.Prompt); err != nil {
		return err
	}
	return r.writer.Flush()
}

// Close stops the repl if it was still running
// This will also close the reader and writer
func (r *Repl) Close() {
	r.Input.Close()
	r.Output.Close()
}
