// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowd-org/molecule/internal/chroot"
	"github.com/flowd-org/molecule/internal/coredb"
	"github.com/flowd-org/molecule/internal/events"
	"github.com/flowd-org/molecule/internal/executor"
	"github.com/flowd-org/molecule/internal/livecd"
	"github.com/flowd-org/molecule/internal/metrics"
	"github.com/flowd-org/molecule/internal/runner"
	"github.com/flowd-org/molecule/internal/specloader"
	"github.com/flowd-org/molecule/internal/step"
)

// Version is reported in molecule_build_info; set at link time.
var Version = "dev"

type buildOptions struct {
	dryRun      bool
	eventFormat string
	noJournal   bool
	metricsFile string
	timeout     time.Duration
	grace       time.Duration
}

func NewBuildCmd(a *app) *cobra.Command {
	var opts buildOptions
	c := &cobra.Command{
		Use:   "build <spec>...",
		Short: "Run the build strategy of each spec in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.build(ctx, args, opts, cmd.Flags().Changed("timeout"), cmd.Flags().Changed("grace"))
		},
	}
	c.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the plan of each spec without executing")
	c.Flags().StringVar(&opts.eventFormat, "events", "none", "Stream build events to stdout (text|json|none)")
	c.Flags().BoolVar(&opts.noJournal, "no-journal", false, "Do not record the build in the journal database")
	c.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the build")
	c.Flags().DurationVar(&opts.timeout, "timeout", 0, "Bound every external command (0 disables)")
	c.Flags().DurationVar(&opts.grace, "grace", executor.DefaultGracePeriod, "Delay between SIGTERM and SIGKILL on interruption")
	return c
}

func (a *app) build(ctx context.Context, specs []string, opts buildOptions, timeoutSet, graceSet bool) error {
	cfg := a.cfg
	logger := a.logger
	if !timeoutSet && cfg.CommandTimeout > 0 {
		opts.timeout = cfg.CommandTimeout
	}
	if !graceSet && cfg.GracePeriod > 0 {
		opts.grace = cfg.GracePeriod
	}
	if opts.metricsFile == "" {
		opts.metricsFile = cfg.MetricsFile
	}

	emitter, err := newEventEmitter(a, opts.eventFormat)
	if err != nil {
		return err
	}

	var (
		journal *coredb.Journal
		runs    *coredb.Runs
	)
	if !opts.dryRun && !opts.noJournal && cfg.JournalEnabled() {
		db, err := coredb.Open(ctx, coredb.Options{DataDir: cfg.DataDir, JournalMaxBytes: cfg.JournalMaxBytes})
		switch {
		case err == nil:
			defer db.Close()
			journal = coredb.NewJournal(db, cfg.JournalMaxBytes)
			runs = coredb.NewRuns(db)
		case coredb.IsLocked(err):
			logger.Warn("journal.locked", slog.String("data_dir", cfg.DataDir), slog.String("hint", "another build holds the database; continuing without journal"))
		default:
			logger.Warn("journal.unavailable", slog.String("data_dir", cfg.DataDir), slog.String("error", err.Error()))
		}
	}

	registry := metrics.Default
	registry.SetBuildInfo(map[string]string{"version": Version})
	defer func() {
		if opts.dryRun || opts.metricsFile == "" {
			return
		}
		if err := registry.WriteFile(opts.metricsFile); err != nil {
			logger.Warn("metrics.write_failed", slog.String("path", opts.metricsFile), slog.String("error", err.Error()))
		}
	}()

	tools := livecd.DefaultTools().WithOverrides(cfg.Tools)
	var redactor func(string) string
	if len(cfg.Redact) > 0 {
		redactor = events.NewLineRedactor(cfg.Redact)
	}
	baseDeps := livecd.Deps{
		Runner:         &executor.ProcessRunner{GracePeriod: opts.grace, Timeout: opts.timeout},
		Reaper:         &chroot.Reaper{},
		ChrootBinary:   cfg.ChrootBinary,
		Tools:          tools,
		Stdout:         a.stdout,
		Stderr:         a.stderr,
		Redactor:       redactor,
		CleanEnv:       cfg.CleanEnv,
		SandboxWrapper: cfg.SandboxWrapper,
	}

	for _, path := range specs {
		spec, err := specloader.Load(path, livecd.Lookup)
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		for _, w := range spec.Warnings {
			logger.Warn("spec.warning", slog.String("spec", spec.Name), slog.String("warning", w))
		}
		if opts.dryRun {
			plan, err := livecd.Preview(spec, baseDeps)
			if err != nil {
				return err
			}
			printPlan(a.stdout, plan)
			continue
		}
		strategy, ok := livecd.Get(spec.Strategy)
		if !ok {
			return &exitError{code: 1, err: fmt.Errorf("%w: %q", specloader.ErrUnknownStrategy, spec.Strategy)}
		}

		runID := events.GenerateRunID()
		var journalSink events.Sink
		if journal != nil {
			journalSink = events.NewJournalSink(journal, logger)
		}
		sink := events.NewCompositeSink(emitter, journalSink, metrics.NewSink(registry))
		deps := baseDeps
		deps.Sink = sink
		deps.RunID = runID

		if err := runs.Start(ctx, runID, spec.Name, strategy.Name()); err != nil {
			logger.Warn("history.start_failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
		r := &runner.Runner{RunID: runID, Sink: sink, Strategy: strategy.Name()}
		code, runErr := r.Run(ctx, spec.Name, strategy.Descriptors(spec.Metadata, deps))
		if err := runs.Finish(context.WithoutCancel(ctx), runID, runStatus(code), code, runErr); err != nil {
			logger.Warn("history.finish_failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
		if code != 0 {
			return &exitError{code: code, err: fmt.Errorf("%s (run %s): %w", spec.Name, runID, runErr)}
		}
	}
	return nil
}

// newEventEmitter returns nil when events are not printed.
func newEventEmitter(a *app, format string) (events.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "none":
		return nil, nil
	case "text":
		return events.NewEmitter(a.stdout, false), nil
	case "json":
		return events.NewEmitter(a.stdout, true), nil
	default:
		return nil, fmt.Errorf("unknown events format %q (want text, json or none)", format)
	}
}

func runStatus(code int) string {
	switch code {
	case 0:
		return coredb.RunStatusCompleted
	case step.CodeCanceled:
		return coredb.RunStatusCanceled
	default:
		return coredb.RunStatusFailed
	}
}
