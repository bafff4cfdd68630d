// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"errors"
	"fmt"
)

var (
	// Every ClientAcquire after (or blocked during) ForceClientAbort fails with this.
	// The client side of that swapper is done for good.
	ErrAborted = errors.New("client side of the swapper was aborted")
	// The swapper handed its buffers back through EndResponsibility
	ErrResponsibilityEnded = errors.New("swapper responsibility has ended")
	// Matches every PreconditionError via errors.Is
	ErrPrecondition = errors.New("swapper precondition violated")
	// The compositor asked for a buffer, but clients hold every single one
	ErrNoBuffer = errors.New("no buffer available for the compositor")
)

// PreconditionError reports a caller breaking the swapper contract.
// These are programming errors, nothing about them is retryable.
type PreconditionError struct {
	Op     string
	Reason string
	// Optional cause, e.g. ErrResponsibilityEnded
	Err error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}
