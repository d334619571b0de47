// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor runs external build tools and reports their exit codes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/flowd-org/molecule/internal/logctx"
)

// DefaultGracePeriod is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// ErrEmptyCommand is returned when a Command carries no arguments.
var ErrEmptyCommand = errors.New("executor: empty command")

// Command describes one external process invocation.
type Command struct {
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the argument vector shell-quoted, for logs and plans.
func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

// Runner executes a command and returns its exit code. A non-nil error means
// the process could not be started or was terminated by a signal or by
// cancellation, in which case the code is -1.
type Runner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (int, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (int, error) {
	return f(ctx, cmd)
}

// ProcessRunner spawns commands as local processes, each in its own process
// group so cancellation reaches every descendant.
type ProcessRunner struct {
	// GracePeriod between SIGTERM and SIGKILL on cancellation. Zero uses
	// DefaultGracePeriod; a negative value kills immediately.
	GracePeriod time.Duration
	// Timeout bounds each invocation. Zero means no timeout.
	Timeout time.Duration
}

func (r *ProcessRunner) grace() time.Duration {
	if r == nil || r.GracePeriod == 0 {
		return DefaultGracePeriod
	}
	if r.GracePeriod < 0 {
		return 0
	}
	return r.GracePeriod
}

// Run starts the command and waits for it to exit.
func (r *ProcessRunner) Run(ctx context.Context, c Command) (int, error) {
	if len(c.Args) == 0 {
		return -1, ErrEmptyCommand
	}
	if r != nil && r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	killer := configureProcessGroup(cmd, r.grace())
	defer killer.release()

	logger := logctx.From(ctx)
	logger.Debug("exec.start", slog.String("command", c.String()), slog.String("dir", c.Dir))
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		logger.Debug("exec.finish", slog.String("command", c.Args[0]), slog.Int("exit_code", 0), slog.Duration("duration", duration))
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("exec.interrupted", slog.String("command", c.Args[0]), slog.Duration("duration", duration), slog.String("reason", ctxErr.Error()))
		return -1, fmt.Errorf("%s: %w", c.Args[0], ctxErr)
	}
	// A background child kept stdout or stderr open after a clean exit.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		logger.Warn("exec.output_held_open", slog.String("command", c.Args[0]), slog.Duration("duration", duration))
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		code := exitErr.ExitCode()
		logger.Debug("exec.finish", slog.String("command", c.Args[0]), slog.Int("exit_code", code), slog.Duration("duration", duration))
		return code, nil
	}
	return -1, fmt.Errorf("%s: %w", c.Args[0], err)
}
