// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QueueingPolicy is the closed set of buffer counts a swapper is built with
type QueueingPolicy int

const (
	DoubleBuffering = QueueingPolicy(2)
	TripleBuffering = QueueingPolicy(3)
)

func (q QueueingPolicy) Buffers() int {
	return int(q)
}

func (q QueueingPolicy) String() string {
	switch q {
	case DoubleBuffering:
		return "double"
	case TripleBuffering:
		return "triple"
	default:
		return strconv.Itoa(int(q))
	}
}

// ParseQueueingPolicy accepts "double", "triple" or a plain buffer count >= 2
func ParseQueueingPolicy(name string) (QueueingPolicy, error) {
	switch strings.ToLower(name) {
	case "double", "":
		return DoubleBuffering, nil
	case "triple":
		return TripleBuffering, nil
	}
	n, err := strconv.Atoi(name)
	if err != nil || n < MinBuffers {
		return 0, fmt.Errorf("unknown queueing policy %q", name)
	}
	return QueueingPolicy(n), nil
}

// FrameDroppingPolicy decides what happens to a client that wants a buffer while
// every free one is taken and unconsumed frames are waiting for the compositor.
type FrameDroppingPolicy interface {
	// DropTimeout returns how long such a client waits before the oldest unconsumed frame is
	// dropped and its buffer handed to the client. ok is false if frames must never be dropped.
	// A zero timeout means frames get replaced right away, so the client never blocks on them.
	DropTimeout() (timeout time.Duration, ok bool)
	String() string
}

// BlockClientPolicy never drops a frame, clients wait for the compositor to catch up
type BlockClientPolicy struct{}

func (BlockClientPolicy) DropTimeout() (time.Duration, bool) {
	return 0, false
}

func (BlockClientPolicy) String() string {
	return "block"
}

// DropFramesPolicy replaces an unconsumed frame as soon as a newer one is released
type DropFramesPolicy struct{}

func (DropFramesPolicy) DropTimeout() (time.Duration, bool) {
	return 0, true
}

func (DropFramesPolicy) String() string {
	return "drop"
}

// TimeoutDropPolicy lets a client wait up to Timeout before dropping the oldest frame
type TimeoutDropPolicy struct {
	Timeout time.Duration
}

func (p TimeoutDropPolicy) DropTimeout() (time.Duration, bool) {
	return p.Timeout, true
}

func (p TimeoutDropPolicy) String() string {
	return "timeout(" + p.Timeout.String() + ")"
}

// ParseFrameDroppingPolicy maps the config names "block", "drop" and "timeout" to policies.
// timeout is only used by "timeout".
func ParseFrameDroppingPolicy(name string, timeout time.Duration) (FrameDroppingPolicy, error) {
	switch strings.ToLower(name) {
	case "block", "":
		return BlockClientPolicy{}, nil
	case "drop":
		return DropFramesPolicy{}, nil
	case "timeout":
		if timeout <= 0 {
			return nil, fmt.Errorf("timeout frame dropping needs a positive timeout, got %v", timeout)
		}
		return TimeoutDropPolicy{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown frame dropping policy %q", name)
	}
}

func dropsImmediately(p FrameDroppingPolicy) bool {
	timeout, ok := p.DropTimeout()
	return ok && timeout <= 0
}
