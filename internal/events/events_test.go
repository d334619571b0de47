package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/flowd-org/molecule/internal/coredb"
)

// collector records every event it receives.
type collector struct{ got []RunEvent }

func (c *collector) sink() Sink { return Func(func(ev RunEvent) { c.got = append(c.got, ev) }) }

func (c *collector) lines() []string {
	out := make([]string, 0, len(c.got))
	for _, ev := range c.got {
		out = append(out, ev.String())
	}
	return out
}

func TestFuncBuildsEvents(t *testing.T) {
	t.Parallel()
	c := &collector{}
	s := c.sink()
	s.EmitRunStart("r1", "release.spec")
	s.EmitStepStart("r1", "mirror")
	s.EmitStepPhase("r1", "mirror", "pre_run")
	s.EmitStepLog("r1", "mirror", "stdout", "")
	s.EmitStepLog("r1", "mirror", "stdout", "sent 10 bytes")
	s.EmitStepFinish("r1", "mirror", 3, errors.New("rsync failed"))
	s.EmitRunFinish("r1", StatusFailed, nil)

	want := []string{
		"[0] run.start run=r1 spec=release.spec",
		"[0] step.start run=r1 step=mirror",
		"[0] step.phase run=r1 step=mirror phase=pre_run",
		"[0] step.log run=r1 step=mirror channel=stdout: sent 10 bytes",
		"[0] step.finish run=r1 step=mirror error=rsync failed exit_code=3 status=failed",
		"[0] run.finish run=r1 status=failed",
	}
	if got := c.lines(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected events\nwant %q\ngot  %q", want, got)
	}
}

func TestStepStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		err  error
		want string
	}{
		{0, nil, StatusCompleted},
		{1, nil, StatusFailed},
		{0, errors.New("x"), StatusFailed},
	}
	for _, tc := range tests {
		if got := StepStatus(tc.code, tc.err); got != tc.want {
			t.Fatalf("StepStatus(%d, %v) = %s, want %s", tc.code, tc.err, got, tc.want)
		}
	}
}

func TestEmitterNumbersTextLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	em := NewEmitter(&buf, false)
	em.EmitStepStart("run-1", "iso")
	em.EmitStepFinish("run-1", "iso", 0, nil)
	want := "[1] step.start run=run-1 step=iso\n[2] step.finish run=run-1 step=iso exit_code=0 status=completed\n"
	if buf.String() != want {
		t.Fatalf("unexpected output\nwant %q\ngot  %q", want, buf.String())
	}
}

func TestEmitterJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	em := NewEmitter(&buf, true)
	em.EmitRunStart("run-1", "release.spec")
	em.EmitStepPhase("run-1", "iso", "pre_run")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev RunEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Sequence != 2 || ev.Type != TypeStepPhase || ev.Data["phase"] != "pre_run" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if NewEmitter(nil, true) != nil {
		t.Fatalf("expected nil emitter for nil writer")
	}
}

func TestCompositeSinkFanOut(t *testing.T) {
	t.Parallel()
	a, b := &collector{}, &collector{}
	sink := NewCompositeSink(a.sink(), nil, b.sink())
	sink.EmitStepStart("run", "chroot")
	sink.EmitStepFinish("run", "chroot", 0, nil)
	for _, c := range []*collector{a, b} {
		if len(c.got) != 2 || c.got[0].Type != TypeStepStart || c.got[1].Type != TypeStepFinish {
			t.Fatalf("unexpected events %v", c.lines())
		}
	}
	if NewCompositeSink(nil, nil) != nil {
		t.Fatalf("expected nil sink when nothing to forward")
	}
	if _, ok := NewCompositeSink(nil, Discard).(Func); !ok {
		t.Fatalf("expected a single sink to be returned as is")
	}
}

func TestStepWriterSplitsLines(t *testing.T) {
	t.Parallel()
	c := &collector{}
	var tee bytes.Buffer
	w := NewStepWriter(c.sink(), "run", "cdroot", "stdout", &tee, NewLineRedactor([]string{"hunter2"}))
	for _, chunk := range []string{"first ", "line\n 10%\r 20%\r", "pass=hunter2\r\npartial"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	w.Flush()
	w.Flush()
	var msgs []string
	for _, ev := range c.got {
		msgs = append(msgs, ev.Message)
	}
	want := []string{"first line", " 10%", " 20%", "pass=[secret]", "partial"}
	if strings.Join(msgs, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected messages %q", msgs)
	}
	if tee.String() != "first line\n 10%\r 20%\rpass=hunter2\r\npartial" {
		t.Fatalf("expected raw output teed unchanged, got %q", tee.String())
	}
}

func TestStepWriterChunksLongLines(t *testing.T) {
	t.Parallel()
	c := &collector{}
	w := NewStepWriter(c.sink(), "run", "iso", "stderr", nil, nil)
	if _, err := w.Write([]byte(strings.Repeat("x", maxLineBytes+10) + "\nok\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(c.got) != 3 || len(c.got[0].Message) != maxLineBytes || len(c.got[1].Message) != 10 || c.got[2].Message != "ok" {
		t.Fatalf("unexpected chunks: %d events", len(c.got))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestStepWriterReportsTeeErrors(t *testing.T) {
	t.Parallel()
	w := NewStepWriter(Discard, "run", "iso", "stdout", failingWriter{}, nil)
	if _, err := w.Write([]byte("x\n")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected tee error, got %v", err)
	}
}

func TestNewLineRedactor(t *testing.T) {
	t.Parallel()
	redact := NewLineRedactor([]string{"token", "", "s3cr3t"})
	if redact == nil {
		t.Fatalf("expected redactor")
	}
	if got := redact("token=s3cr3t token"); got != Mask+"="+Mask+" "+Mask {
		t.Fatalf("unexpected redaction %q", got)
	}
	if NewLineRedactor(nil) != nil || NewLineRedactor([]string{""}) != nil {
		t.Fatalf("expected nil redactor for empty secrets")
	}
}

type fakeAppender struct {
	entries []coredb.JournalEntry
	err     error
	calls   int
}

func (f *fakeAppender) Append(_ context.Context, runID, eventType string, payload []byte, ts time.Time) (coredb.JournalEntry, error) {
	f.calls++
	if f.err != nil {
		return coredb.JournalEntry{}, f.err
	}
	entry := coredb.JournalEntry{Seq: int64(len(f.entries) + 1), RunID: runID, EventType: eventType, Payload: payload, Timestamp: ts}
	f.entries = append(f.entries, entry)
	return entry, nil
}

// sqliteFull carries SQLITE_FULL the way driver errors expose result codes.
type sqliteFull struct{}

func (sqliteFull) Error() string { return "database or disk is full" }
func (sqliteFull) Code() int     { return 13 }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJournalSinkPersistsEvents(t *testing.T) {
	t.Parallel()
	app := &fakeAppender{}
	sink := NewJournalSink(app, quietLogger())
	sink.EmitRunStart("run-9", "release.spec")
	sink.EmitStepLog("run-9", "mirror", "stdout", "")
	sink.EmitStepFinish("run-9", "mirror", 0, nil)
	if len(app.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(app.entries))
	}
	ev, err := Decode(app.entries[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TypeStepFinish || ev.Step != "mirror" || ev.Sequence != 2 || ev.Data["status"] != StatusCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
	if NewJournalSink(nil, nil) != nil {
		t.Fatalf("expected nil sink for nil journal")
	}
}

func TestJournalSinkStopsWhenFull(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"oversized event is skipped", fmt.Errorf("append: %w", coredb.ErrJournalQuotaExceeded), 3},
		{"generic failure keeps trying", errors.New("disk i/o error"), 3},
		{"full database stops the sink", sqliteFull{}, 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			app := &fakeAppender{err: tc.err}
			sink := NewJournalSink(app, quietLogger())
			sink.EmitRunStart("run", "x.spec")
			sink.EmitStepStart("run", "mirror")
			sink.EmitRunFinish("run", StatusFailed, nil)
			if app.calls != tc.wantCalls {
				t.Fatalf("expected %d append calls, got %d", tc.wantCalls, app.calls)
			}
		})
	}
}

func TestGenerateRunIDUnique(t *testing.T) {
	t.Parallel()
	a, b := GenerateRunID(), GenerateRunID()
	if a == b || !strings.HasPrefix(a, "run-") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
