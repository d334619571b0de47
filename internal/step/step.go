// SPDX-License-Identifier: AGPL-3.0-or-later

// Package step defines the lifecycle contract every build step implements.
package step

import (
	"context"
	"errors"
	"fmt"
)

// CodeCanceled is the result code reported when a build is interrupted.
const CodeCanceled = 130

// Step is one stage of a build strategy. Phases run in declared order and a
// non-nil error from any of them aborts the remaining phases of the step.
// Kill is invoked exactly once per instance, whatever the outcome.
type Step interface {
	Name() string
	Setup(ctx context.Context) error
	PreRun(ctx context.Context) error
	Run(ctx context.Context) error
	PostRun(ctx context.Context) error
	Kill(ctx context.Context, success bool) error
}

// Descriptor identifies a step kind and knows how to instantiate it.
type Descriptor struct {
	Kind string
	New  func() (Step, error)
}

// ExitError carries the result code of a failed phase.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("%v (exit status %d)", e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit wraps err with an explicit result code.
func Exit(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps a phase error onto the result code propagated to the caller.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code == 0 {
			return 1
		}
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return 1
}
