// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/flowd-org/molecule/internal/chroot"
	"github.com/flowd-org/molecule/internal/events"
	"github.com/flowd-org/molecule/internal/executor"
	"github.com/flowd-org/molecule/internal/logctx"
	"github.com/flowd-org/molecule/internal/sandbox"
	"github.com/flowd-org/molecule/internal/step"
	"github.com/flowd-org/molecule/internal/types"
)

// Deps carries the collaborators shared by every step of a build.
type Deps struct {
	Runner       executor.Runner
	Reaper       chroot.ProcessReaper
	ChrootBinary string
	Tools        Tools
	Sink         events.Sink
	RunID        string
	Stdout       io.Writer
	Stderr       io.Writer
	Redactor     func(string) string
	// CleanEnv starts hook environments from PATH only instead of the
	// full host environment.
	CleanEnv bool
	// SandboxWrapper optionally runs removals through an external
	// write-restricting launcher.
	SandboxWrapper []string
	LookupEnv      func(string) (string, bool)
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = &executor.ProcessRunner{}
	}
	if d.Sink == nil {
		d.Sink = events.Discard
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	if d.LookupEnv == nil {
		d.LookupEnv = os.LookupEnv
	}
	if d.Tools.Syncer == "" && d.Tools.Compressor == "" && len(d.Tools.IsoBuilders) == 0 {
		d.Tools = DefaultTools()
	}
	return d
}

// base holds the state and helpers common to the livecd steps.
type base struct {
	kind   Kind
	md     types.Metadata
	layout Layout
	deps   Deps
	exec   *chroot.Executor
}

func newBase(kind Kind, md types.Metadata, deps Deps) (base, error) {
	for _, key := range []string{KeySourceChroot, KeyDestinationChroot} {
		if strings.TrimSpace(md.String(key)) == "" {
			return base{}, fmt.Errorf("%s: missing %s", kind, key)
		}
	}
	deps = deps.withDefaults()
	return base{
		kind:   kind,
		md:     md,
		layout: ResolveLayout(md),
		deps:   deps,
		exec: &chroot.Executor{
			Runner:       deps.Runner,
			Reaper:       deps.Reaper,
			Prechroot:    md.List(KeyPrechroot),
			ChrootBinary: deps.ChrootBinary,
		},
	}, nil
}

func (b *base) Name() string { return b.kind.String() }

// env returns a fresh environment carrying the release context.
func (b *base) env() *executor.Env {
	env := executor.NewEnv(!b.deps.CleanEnv)
	env.Set(EnvReleaseString, b.md.String(KeyReleaseString))
	env.Set(EnvReleaseVersion, b.md.String(KeyReleaseVersion))
	env.Set(EnvReleaseDesc, b.md.String(KeyReleaseDesc))
	env.Set(EnvPrechroot, strings.Join(b.md.List(KeyPrechroot), " "))
	return env
}

func (b *base) writers() (*events.StepWriter, *events.StepWriter) {
	stdout := events.NewStepWriter(b.deps.Sink, b.deps.RunID, b.Name(), "stdout", b.deps.Stdout, b.deps.Redactor)
	stderr := events.NewStepWriter(b.deps.Sink, b.deps.RunID, b.Name(), "stderr", b.deps.Stderr, b.deps.Redactor)
	return stdout, stderr
}

// run spawns args on the host and turns a non-zero exit into a step result.
func (b *base) run(ctx context.Context, label string, args []string, env *executor.Env) error {
	stdout, stderr := b.writers()
	defer stdout.Flush()
	defer stderr.Flush()
	cmd := executor.Command{Args: args, Env: env.Environ(), Stdout: stdout, Stderr: stderr}
	logger := logctx.From(ctx)
	logger.Info("step.spawn", slog.String("label", label), slog.String("command", cmd.String()))
	code, err := b.deps.Runner.Run(ctx, cmd)
	return b.result(ctx, label, code, err)
}

func (b *base) result(ctx context.Context, label string, code int, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if code != 0 {
		logctx.From(ctx).Error("step.command_failed", slog.String("label", label), slog.Int("exit_code", code))
		return step.Exit(code, fmt.Errorf("%s failed", label))
	}
	return nil
}

// runHook runs the optional host-side script stored under key.
func (b *base) runHook(ctx context.Context, key string, env *executor.Env) error {
	script := b.md.List(key)
	if len(script) == 0 {
		return nil
	}
	return b.run(ctx, key, script, env)
}

// runInner stages the optional script stored under key inside root and runs
// it there. A script that is not a readable regular file is skipped.
func (b *base) runInner(ctx context.Context, key, root string, env *executor.Env) error {
	script := b.md.List(key)
	if len(script) == 0 {
		return nil
	}
	if !readableFile(script[0]) {
		logctx.From(ctx).Warn("step.inner_script_skipped", slog.String("param", key), slog.String("path", script[0]))
		return nil
	}
	stdout, stderr := b.writers()
	defer stdout.Flush()
	defer stderr.Flush()
	code, err := b.exec.Exec(ctx, chroot.Invocation{
		Script: script,
		Root:   root,
		Env:    env,
		Stdout: stdout,
		Stderr: stderr,
	})
	return b.result(ctx, key, code, err)
}

// runErrorScript notifies the optional error script of a failure. Its own
// outcome is reported as a warning and never returned.
func (b *base) runErrorScript(ctx context.Context, sourceChroot, chrootDir, cdrootDir string) {
	script := b.md.List(KeyErrorScript)
	if len(script) == 0 {
		return
	}
	env := b.env()
	env.SetNonEmpty(EnvSourceChrootDir, sourceChroot)
	env.SetNonEmpty(EnvChrootDir, chrootDir)
	env.SetNonEmpty(EnvCdrootDir, cdrootDir)
	if err := b.run(ctx, KeyErrorScript, script, env); err != nil {
		logctx.From(ctx).Warn("step.error_script_failed",
			slog.Int("exit_code", step.ExitCode(err)),
			slog.String("error", err.Error()),
		)
		b.deps.Sink.EmitStepLog(b.deps.RunID, b.Name(), "warning", fmt.Sprintf("error script failed: %v", err))
	}
}

func (b *base) remover(roots ...string) (*sandbox.Remover, error) {
	allow, err := sandbox.NewAllowList(roots...)
	if err != nil {
		return nil, err
	}
	return &sandbox.Remover{
		Allow:   allow,
		Wrapper: b.deps.SandboxWrapper,
		Runner:  b.deps.Runner,
		Env:     b.env(),
	}, nil
}

// Default phase implementations; steps override what they need.

func (b *base) PreRun(ctx context.Context) error  { return nil }
func (b *base) Run(ctx context.Context) error     { return nil }
func (b *base) PostRun(ctx context.Context) error { return nil }

func readableFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}

// fsError converts a filesystem failure into a step result, keeping the
// offending path in the message.
func fsError(op, path string, err error) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return step.Exit(1, fmt.Errorf("%s: %w", op, err))
	}
	return step.Exit(1, fmt.Errorf("%s %s: %w", op, path, err))
}
