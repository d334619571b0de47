// SPDX-License-Identifier: AGPL-3.0-or-later
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flowd-org/molecule/internal/executor"
	"github.com/flowd-org/molecule/internal/logctx"
)

// RemoveError reports the entry at which removal stopped.
type RemoveError struct {
	Path string
	Err  error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("sandbox: remove %s: %v", e.Path, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }

// Remover deletes subtrees that lie inside its allow-list.
type Remover struct {
	Allow AllowList
	// Wrapper, when set, delegates the deletion of each verified target to an
	// external sandboxing command (for example a write-restricting launcher)
	// invoked as Wrapper + ["rm", "-rf", "--", target] with SANDBOX_WRITE bound.
	Wrapper []string
	Runner  executor.Runner
	Env     *executor.Env
}

// Remove deletes path and everything below it. Targets that are not strict
// descendants of an allowed root are refused before anything is touched. A
// missing target is not an error.
func (r *Remover) Remove(ctx context.Context, path string) error {
	target, err := r.Allow.Check(path, false)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &RemoveError{Path: target, Err: err}
	}
	logctx.From(ctx).Debug("sandbox.remove", slog.String("path", target), slog.String(EnvVar, r.Allow.Value()))
	return r.removeVerified(ctx, target)
}

// Empty deletes the children of path while keeping path itself. The path may
// be an allowed root.
func (r *Remover) Empty(ctx context.Context, path string) error {
	target, err := r.Allow.Check(path, true)
	if err != nil {
		return err
	}
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &RemoveError{Path: target, Err: err}
	}
	if !info.IsDir() {
		return &RemoveError{Path: target, Err: fmt.Errorf("not a directory")}
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return &RemoveError{Path: target, Err: err}
	}
	logctx.From(ctx).Debug("sandbox.empty", slog.String("path", target), slog.Int("entries", len(entries)))
	for _, entry := range entries {
		if err := r.removeVerified(ctx, filepath.Join(target, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remover) removeVerified(ctx context.Context, target string) error {
	if len(r.Wrapper) == 0 {
		return removeTree(target)
	}
	runner := r.Runner
	if runner == nil {
		runner = &executor.ProcessRunner{}
	}
	env := executor.NewEnv(true)
	if r.Env != nil {
		env = r.Env.Clone()
	}
	env.Set(EnvVar, r.Allow.Value())
	args := append(append([]string{}, r.Wrapper...), "rm", "-rf", "--", target)
	code, err := runner.Run(ctx, executor.Command{Args: args, Env: env.Environ()})
	if err != nil {
		return &RemoveError{Path: target, Err: err}
	}
	if code != 0 {
		return &RemoveError{Path: target, Err: fmt.Errorf("sandbox wrapper exited with status %d", code)}
	}
	return nil
}

// removeTree deletes depth-first without following symlinks and stops at the
// first entry that cannot be removed.
func removeTree(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &RemoveError{Path: path, Err: err}
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return &RemoveError{Path: path, Err: err}
		}
		for _, entry := range entries {
			if err := removeTree(filepath.Join(path, entry.Name())); err != nil {
				return err
			}
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &RemoveError{Path: path, Err: err}
	}
	return nil
}
