// SPDX-License-Identifier: AGPL-3.0-or-later
package chroot

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/flowd-org/molecule/internal/executor"
	"github.com/flowd-org/molecule/internal/logctx"
)

// DefaultChrootBinary is resolved through PATH.
const DefaultChrootBinary = "chroot"

// ErrNoScript is returned for an invocation without an executable.
var ErrNoScript = errors.New("chroot: no script to execute")

// Invocation is one script run inside a root.
type Invocation struct {
	// Script is the host path of the executable followed by its arguments.
	Script []string
	Root   string
	Env    *executor.Env
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs staged scripts confined to a root.
type Executor struct {
	Runner executor.Runner
	Reaper ProcessReaper
	// Prechroot is prepended to the chroot command line.
	Prechroot []string
	// ChrootBinary defaults to DefaultChrootBinary.
	ChrootBinary string
}

// Args builds the argument vector used to run a staged script.
func (e *Executor) Args(root, inRoot string, args []string) []string {
	bin := e.ChrootBinary
	if bin == "" {
		bin = DefaultChrootBinary
	}
	out := make([]string, 0, len(e.Prechroot)+3+len(args))
	out = append(out, e.Prechroot...)
	out = append(out, bin, root, inRoot)
	return append(out, args...)
}

// Exec stages the script, runs it and returns its exit code. On every exit
// path, including a panic raised by the runner, the staged copy is removed
// before control returns. When the script fails or the run is interrupted,
// processes left inside the root are terminated first.
func (e *Executor) Exec(ctx context.Context, inv Invocation) (code int, err error) {
	if len(inv.Script) == 0 || inv.Script[0] == "" {
		return -1, ErrNoScript
	}
	staged, err := Stage(inv.Script[0], inv.Root)
	if err != nil {
		return -1, err
	}
	logger := logctx.From(ctx)

	completed := false
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if !completed || code != 0 || err != nil {
			e.reap(cleanupCtx, inv.Root)
		}
		if rmErr := staged.Remove(); rmErr != nil {
			logger.Error("chroot.cleanup_failed", slog.String("path", staged.HostPath), slog.String("error", rmErr.Error()))
			if completed && err == nil {
				code, err = 1, rmErr
			}
		}
	}()

	runner := e.Runner
	if runner == nil {
		runner = &executor.ProcessRunner{}
	}
	cmd := executor.Command{
		Args:   e.Args(inv.Root, staged.InRoot, inv.Script[1:]),
		Env:    inv.Env.Environ(),
		Stdout: inv.Stdout,
		Stderr: inv.Stderr,
	}
	if inv.Env == nil {
		cmd.Env = nil
	}
	logger.Info("chroot.exec", slog.String("root", inv.Root), slog.String("script", inv.Script[0]))
	code, err = runner.Run(ctx, cmd)
	completed = true
	return code, err
}

func (e *Executor) reap(ctx context.Context, root string) {
	if e.Reaper == nil {
		return
	}
	n, err := e.Reaper.Reap(ctx, root)
	logger := logctx.From(ctx)
	if err != nil {
		logger.Warn("chroot.reap_failed", slog.String("root", root), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		logger.Info("chroot.reaped", slog.String("root", root), slog.Int("processes", n))
	}
}
