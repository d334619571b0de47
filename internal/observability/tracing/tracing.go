// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tracing times build and storage operations and reports each
// finished span as one structured log record on the context logger.
package tracing

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flowd-org/molecule/internal/logctx"
)

// Attribute is a key/value pair attached to a span.
type Attribute = slog.Attr

// Attribute constructors.
var (
	String = slog.String
	Int    = slog.Int
	Int64  = slog.Int64
	Bool   = slog.Bool
)

// Keys shared by the build runner and the storage layer.
const (
	KeyRunID  = "run_id"
	KeyStep   = "step"
	KeyPhase  = "phase"
	KeyTable  = "db.table"
	KeyOp     = "db.op"
	KeyParent = "parent"
)

// RunID tags a span with the build run. An empty id adds nothing.
func RunID(id string) Attribute {
	if id == "" {
		return Attribute{}
	}
	return String(KeyRunID, id)
}

func Step(name string) Attribute  { return String(KeyStep, name) }
func Phase(name string) Attribute { return String(KeyPhase, name) }

// Table names the database table a storage span touches.
func Table(name string) Attribute { return String(KeyTable, name) }

// Op names the storage operation (append, read, insert, update).
func Op(name string) Attribute { return String(KeyOp, name) }

type spanKey struct{}

// Span measures one operation. Attributes keep their insertion order and
// a repeated key overwrites the earlier value in place.
type Span struct {
	name   string
	start  time.Time
	logger *slog.Logger

	mu    sync.Mutex
	attrs []slog.Attr
	err   error
	done  bool
}

// Start opens a span named name. The returned context carries the span so
// nested spans record their parent.
func Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Span{name: name, start: time.Now(), logger: logctx.From(ctx)}
	if parent := FromContext(ctx); parent != nil {
		s.SetAttributes(String(KeyParent, parent.name))
	}
	s.SetAttributes(attrs...)
	return context.WithValue(ctx, spanKey{}, s), s
}

// FromContext returns the innermost open span, or nil.
func FromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// Name returns the span name.
func (s *Span) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

func (s *Span) SetAttributes(attrs ...Attribute) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range attrs {
		if a.Key == "" {
			continue
		}
		i := slices.IndexFunc(s.attrs, func(have slog.Attr) bool { return have.Key == a.Key })
		if i >= 0 {
			s.attrs[i] = a
			continue
		}
		s.attrs = append(s.attrs, a)
	}
}

// RecordError marks the span failed. The last recorded error wins.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Finish logs the span once. Failed spans are logged at warn level and
// successful ones at debug.
func (s *Span) Finish() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	out := make([]slog.Attr, 0, len(s.attrs)+3)
	out = append(out, String("span", s.name), slog.Duration("elapsed", time.Since(s.start)))
	out = append(out, s.attrs...)
	err := s.err
	s.mu.Unlock()

	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
		out = append(out, String("error", err.Error()))
	}
	s.logger.LogAttrs(context.Background(), level, "span", out...)
}

// End finishes span, recording *errp when it is set. It is meant for
// deferred use with a named error result.
func End(span *Span, errp *error, attrs ...Attribute) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
	if errp != nil {
		span.RecordError(*errp)
	}
	span.Finish()
}
