// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logctx carries the build-scoped logger and run metadata on a context.
package logctx

import (
	"context"
	"log/slog"
)

type loggerKey struct{}
type metadataKey struct{}

var (
	ctxLoggerKey   = &loggerKey{}
	ctxMetadataKey = &metadataKey{}
)

// Metadata stores auxiliary build attributes for structured logging.
type Metadata struct {
	RunID    string
	Spec     string
	Strategy string
	Step     string
}

// WithLogger stores the build-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLoggerKey, logger)
}

// Logger extracts the build-scoped logger from context, if present.
func Logger(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(ctxLoggerKey).(*slog.Logger)
	return logger
}

// From returns the context logger, falling back to slog.Default.
func From(ctx context.Context) *slog.Logger {
	if logger := Logger(ctx); logger != nil {
		return logger
	}
	return slog.Default()
}

// WithMetadata stores build metadata in context, overwriting any existing value.
func WithMetadata(ctx context.Context, meta Metadata) context.Context {
	return context.WithValue(ctx, ctxMetadataKey, meta)
}

// MetadataFromContext retrieves the metadata stored on the context.
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	if ctx == nil {
		return Metadata{}, false
	}
	meta, ok := ctx.Value(ctxMetadataKey).(Metadata)
	return meta, ok
}

// WithStep annotates both metadata and logger with the active step name.
func WithStep(ctx context.Context, step string) context.Context {
	if step == "" {
		return ctx
	}
	meta, _ := MetadataFromContext(ctx)
	meta.Step = step
	ctx = WithMetadata(ctx, meta)
	return WithLogger(ctx, From(ctx).With(slog.String("step", step)))
}

// WithRun annotates both metadata and logger with the run identity.
func WithRun(ctx context.Context, runID, spec, strategy string) context.Context {
	meta, _ := MetadataFromContext(ctx)
	meta.RunID = runID
	meta.Spec = spec
	meta.Strategy = strategy
	ctx = WithMetadata(ctx, meta)
	attrs := []any{slog.String("run_id", runID)}
	if spec != "" {
		attrs = append(attrs, slog.String("spec", spec))
	}
	if strategy != "" {
		attrs = append(attrs, slog.String("strategy", strategy))
	}
	return WithLogger(ctx, From(ctx).With(attrs...))
}
