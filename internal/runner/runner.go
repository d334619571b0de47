// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner drives the steps of a build strategy in order. Each step is
// instantiated only when its turn comes, runs its phases, and is killed
// exactly once whatever the outcome. The first failing step ends the build.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/flowd-org/molecule/internal/events"
	"github.com/flowd-org/molecule/internal/logctx"
	"github.com/flowd-org/molecule/internal/observability/tracing"
	"github.com/flowd-org/molecule/internal/step"
)

// Phase names reported in step.phase events and spans.
const (
	PhaseSetup   = "setup"
	PhasePreRun  = "pre_run"
	PhaseRun     = "run"
	PhasePostRun = "post_run"
	PhaseKill    = "kill"
)

// Runner executes step descriptors sequentially.
type Runner struct {
	// RunID identifies the build in events; generated when empty.
	RunID string
	// Sink receives run and step events. Nil discards them.
	Sink     events.Sink
	Strategy string
}

type phase struct {
	name   string
	before step.State
	after  step.State
	call   func(step.Step, context.Context) error
}

var phases = []phase{
	{name: PhaseSetup, after: step.SetupDone, call: step.Step.Setup},
	{name: PhasePreRun, after: step.PreRunDone, call: step.Step.PreRun},
	{name: PhaseRun, before: step.Running, call: step.Step.Run},
	{name: PhasePostRun, after: step.PostRunDone, call: step.Step.PostRun},
}

// Run executes descs in order and returns the result code of the first
// failing step, or 0 when every step completed. The returned error names the
// failing step.
func (r *Runner) Run(ctx context.Context, specName string, descs []step.Descriptor) (code int, err error) {
	runID := r.RunID
	if runID == "" {
		runID = events.GenerateRunID()
		r.RunID = runID
	}
	sink := r.Sink
	if sink == nil {
		sink = events.Discard
	}

	logger := logctx.From(ctx).With(slog.String("run_id", runID), slog.String("spec", specName))
	ctx = logctx.WithLogger(ctx, logger)
	ctx = logctx.WithMetadata(ctx, logctx.Metadata{RunID: runID, Spec: specName, Strategy: r.Strategy})
	ctx, span := tracing.Start(ctx, "build.run", tracing.RunID(runID), tracing.String("spec", specName))
	defer func() {
		span.SetAttributes(tracing.Int("exit_code", code))
		tracing.End(span, &err)
	}()

	sink.EmitRunStart(runID, specName)
	logger.Info("build.start", slog.Int("steps", len(descs)))

	for _, desc := range descs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			code, err = step.CodeCanceled, fmt.Errorf("build interrupted before %s: %w", desc.Kind, ctxErr)
			break
		}
		s, newErr := instantiate(desc)
		if newErr != nil {
			code = step.ExitCode(newErr)
			err = fmt.Errorf("step %s: %w", desc.Kind, newErr)
			logger.Error("step.instantiate_failed", slog.String("step", desc.Kind), slog.String("error", newErr.Error()))
			sink.EmitStepStart(runID, desc.Kind)
			sink.EmitStepFinish(runID, desc.Kind, code, newErr)
			break
		}
		if code, err = r.runStep(ctx, sink, runID, s); code != 0 {
			break
		}
	}

	status := events.StatusCompleted
	switch {
	case code == step.CodeCanceled || errors.Is(err, context.Canceled):
		status = events.StatusCanceled
	case code != 0:
		status = events.StatusFailed
	}
	sink.EmitRunFinish(runID, status, err)
	if code != 0 {
		logger.Error("build.finish", slog.String("status", status), slog.Int("exit_code", code), slog.String("error", errString(err)))
	} else {
		logger.Info("build.finish", slog.String("status", status))
	}
	return code, err
}

func instantiate(desc step.Descriptor) (s step.Step, err error) {
	if desc.New == nil {
		return nil, fmt.Errorf("no constructor for %q", desc.Kind)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("constructor panicked: %v", rec)
		}
	}()
	s, err = desc.New()
	if err == nil && s == nil {
		err = errors.New("constructor returned no step")
	}
	return s, err
}

func (r *Runner) runStep(ctx context.Context, sink events.Sink, runID string, s step.Step) (int, error) {
	name := s.Name()
	logger := logctx.From(ctx).With(slog.String("step", name))
	ctx = logctx.WithLogger(ctx, logger)
	if meta, ok := logctx.MetadataFromContext(ctx); ok {
		meta.Step = name
		ctx = logctx.WithMetadata(ctx, meta)
	}

	sink.EmitStepStart(runID, name)
	lc := step.NewLifecycle()
	err := r.runPhases(ctx, sink, runID, s, lc)
	success := err == nil
	if !success {
		if failErr := lc.Fail(); failErr != nil {
			logger.Warn("step.lifecycle", slog.String("error", failErr.Error()))
		}
	}

	r.kill(ctx, sink, runID, s, success)
	if trErr := lc.Transition(step.Killed); trErr != nil {
		logger.Warn("step.lifecycle", slog.String("error", trErr.Error()))
	}

	code := step.ExitCode(err)
	sink.EmitStepFinish(runID, name, code, err)
	if err != nil {
		logger.Error("step.failed", slog.Int("exit_code", code), slog.String("error", err.Error()))
		return code, fmt.Errorf("step %s: %w", name, err)
	}
	logger.Info("step.completed")
	return 0, nil
}

func (r *Runner) runPhases(ctx context.Context, sink events.Sink, runID string, s step.Step, lc *step.Lifecycle) error {
	for _, p := range phases {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return step.Exit(step.CodeCanceled, fmt.Errorf("interrupted before %s: %w", p.name, ctxErr))
		}
		if p.before != 0 {
			if err := lc.Transition(p.before); err != nil {
				return err
			}
		}
		sink.EmitStepPhase(runID, s.Name(), p.name)
		if err := callPhase(ctx, s, p); err != nil {
			return err
		}
		if p.after != 0 {
			if err := lc.Transition(p.after); err != nil {
				return err
			}
		}
	}
	return nil
}

func callPhase(ctx context.Context, s step.Step, p phase) (err error) {
	ctx, span := tracing.Start(ctx, "step."+p.name, tracing.Step(s.Name()), tracing.Phase(p.name))
	defer tracing.End(span, &err)
	defer func() {
		if rec := recover(); rec != nil {
			logctx.From(ctx).Error("step.panic", slog.String("phase", p.name), slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = step.Exit(1, fmt.Errorf("%s panicked: %v", p.name, rec))
		}
	}()
	return p.call(s, ctx)
}

// kill releases the step. It runs on a context detached from cancellation
// and never fails the build.
func (r *Runner) kill(ctx context.Context, sink events.Sink, runID string, s step.Step, success bool) {
	ctx = context.WithoutCancel(ctx)
	sink.EmitStepPhase(runID, s.Name(), PhaseKill)
	err := callPhase(ctx, s, phase{
		name: PhaseKill,
		call: func(s step.Step, ctx context.Context) error { return s.Kill(ctx, success) },
	})
	if err == nil {
		return
	}
	logctx.From(ctx).Warn("step.kill_failed", slog.Bool("success", success), slog.String("error", err.Error()))
	sink.EmitStepLog(runID, s.Name(), "warning", fmt.Sprintf("kill failed: %v", err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
