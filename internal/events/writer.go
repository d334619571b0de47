// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"bytes"
	"io"
	"sync"
)

// maxLineBytes splits runaway lines so a tool that never prints a newline
// cannot grow the buffer without bound.
const maxLineBytes = 64 << 10

// StepWriter tees tool output and reports each line as a step.log event.
// A carriage return also ends a line, so progress meters from mksquashfs
// or rsync --progress come out as separate lines instead of one long one.
type StepWriter struct {
	sink    Sink
	runID   string
	step    string
	channel string
	tee     io.Writer
	redact  func(string) string

	mu      sync.Mutex
	pending []byte
}

// NewStepWriter returns a writer for one output channel of a step. tee and
// redact may be nil. Redaction applies to events only; tee receives the
// raw bytes.
func NewStepWriter(sink Sink, runID, step, channel string, tee io.Writer, redact func(string) string) *StepWriter {
	return &StepWriter{sink: sink, runID: runID, step: step, channel: channel, tee: tee, redact: redact}
}

func (w *StepWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		if n, err := w.tee.Write(p); err != nil {
			return n, err
		}
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexAny(w.pending, "\r\n")
		switch {
		case i >= 0 && i <= maxLineBytes:
			w.emit(w.pending[:i])
			w.pending = w.pending[i+1:]
		case len(w.pending) >= maxLineBytes:
			w.emit(w.pending[:maxLineBytes])
			w.pending = w.pending[maxLineBytes:]
		default:
			return len(p), nil
		}
	}
}

// Flush reports a trailing line that had no terminator.
func (w *StepWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.pending)
	w.pending = nil
}

func (w *StepWriter) emit(line []byte) {
	if len(line) == 0 || w.sink == nil {
		return
	}
	s := string(line)
	if w.redact != nil {
		s = w.redact(s)
	}
	w.sink.EmitStepLog(w.runID, w.step, w.channel, s)
}
