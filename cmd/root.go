// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cmd implements the molecule command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flowd-org/molecule/internal/config"
	"github.com/flowd-org/molecule/internal/paths"
	"github.com/flowd-org/molecule/internal/types"
)

// app carries what every subcommand needs once the root flags are parsed.
type app struct {
	cfg    *types.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	configPath string
	dataDir    string
	logFormat  string
	verbose    int
	quiet      bool
}

// exitError makes Execute exit with a specific status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and exits the process on failure.
func Execute() {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

func reportError(w io.Writer, err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(w, "molecule:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(w, "molecule:", err)
	return 1
}

// NewRootCmd assembles the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "molecule",
		Short:         "Build live CD images from a chroot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	addCommonFlags(root.PersistentFlags(), a)

	root.AddCommand(NewBuildCmd(a))
	root.AddCommand(NewPlanCmd(a))
	root.AddCommand(NewStrategiesCmd(a))
	root.AddCommand(NewHistoryCmd(a))
	root.AddCommand(NewJournalCmd(a))
	root.AddCommand(NewVerifyCmd(a))
	root.AddCommand(NewCompletionCmd(root))
	return root
}

func addCommonFlags(flags *pflag.FlagSet, a *app) {
	flags.StringVar(&a.configPath, "config", "", "Application config file (overrides MOLECULE_CONFIG)")
	flags.StringVar(&a.dataDir, "data-dir", "", "Directory holding the build database (overrides MOLECULE_DATA_DIR)")
	flags.StringVar(&a.logFormat, "log", "auto", "Log output format (text|json|auto)")
	flags.CountVarP(&a.verbose, "verbose", "v", "Increase verbosity")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "Only log warnings and errors")
}

func (a *app) init() error {
	logger, err := newLogger(a.stderr, a.logFormat, a.verbose, a.quiet)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	// --data-dir beats both the config file and MOLECULE_DATA_DIR.
	if a.dataDir != "" {
		paths.SetDataDirOverride(a.dataDir)
		cfg.DataDir = paths.DataDir()
	}
	a.cfg = cfg
	logger.Debug("config.loaded", slog.String("data_dir", cfg.DataDir), slog.Bool("journal", cfg.JournalEnabled()))
	return nil
}

func newLogger(w io.Writer, format string, verbose int, quiet bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelWarn
	case verbose > 0:
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want text, json or auto)", format)
	}
	return slog.New(handler), nil
}
