// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowd-org/molecule/internal/coredb"
)

// Appender persists encoded events. *coredb.Journal satisfies it.
type Appender interface {
	Append(ctx context.Context, runID, eventType string, payload []byte, ts time.Time) (coredb.JournalEntry, error)
}

// JournalSink writes every event to the build journal. Persistence errors
// are logged and never reach the build. Once the database is full it
// stops trying for the rest of the process.
type JournalSink struct {
	Func

	journal Appender
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	full bool
}

// NewJournalSink returns a sink writing to journal, or nil when journal is nil.
func NewJournalSink(journal Appender, logger *slog.Logger) *JournalSink {
	if journal == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &JournalSink{journal: journal, logger: logger, now: time.Now}
	s.Func = s.persist
	return s
}

func (s *JournalSink) persist(ev RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return
	}
	ev.Timestamp = s.now().UTC()
	attrs := []any{slog.String("run_id", ev.RunID), slog.String("event", ev.Type)}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("journal.encode_failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	entry, err := s.journal.Append(context.Background(), ev.RunID, ev.Type, payload, ev.Timestamp)
	switch {
	case err == nil:
		s.logger.Debug("journal.append", append(attrs, slog.Int64("seq", entry.Seq))...)
	case errors.Is(err, coredb.ErrJournalQuotaExceeded):
		s.logger.Warn("journal.event_too_large", append(attrs, slog.Int("bytes", len(payload)))...)
	case coredb.IsFull(err):
		s.full = true
		s.logger.Warn("journal.full", append(attrs, slog.String("error", err.Error()))...)
	default:
		s.logger.Error("journal.append_failed", append(attrs, slog.String("error", err.Error()))...)
	}
}

// Decode parses a persisted journal entry back into an event numbered by
// its journal sequence.
func Decode(entry coredb.JournalEntry) (RunEvent, error) {
	var ev RunEvent
	if err := json.Unmarshal(entry.Payload, &ev); err != nil {
		return RunEvent{}, err
	}
	ev.Sequence = entry.Seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = entry.Timestamp
	}
	return ev, nil
}
