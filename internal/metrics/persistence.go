// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import "time"

// Database operations timed by StoreTimer.
const (
	OpJournalAppend = "journal_append"
	OpJournalRead   = "journal_read"
	OpRunsWrite     = "runs_write"
)

// Outcomes of a timed operation.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeQuota = "quota_exceeded"
)

const evictionKind = "journal"

var expectedOutcomes = map[string][]string{
	OpJournalAppend: {OutcomeOK, OutcomeQuota, OutcomeError},
	OpJournalRead:   {OutcomeOK, OutcomeError},
	OpRunsWrite:     {OutcomeOK, OutcomeError},
}

// StoreTimer measures one database operation against Default.
type StoreTimer struct {
	op    string
	start time.Time
	done  bool
}

// StartStoreTimer starts timing op. A blank op yields a nil timer, which
// is safe to use.
func StartStoreTimer(op string) *StoreTimer {
	if op = label(op); op == "" {
		return nil
	}
	return &StoreTimer{op: op, start: time.Now()}
}

// Observe records the elapsed time under outcome. Only the first call
// counts.
func (t *StoreTimer) Observe(outcome string) {
	if t == nil || t.done {
		return
	}
	t.done = true
	Default.RecordPersistenceLatency(t.op, outcome, time.Since(t.start))
}

// ObserveErr records OutcomeOK for a nil err and OutcomeError otherwise.
func (t *StoreTimer) ObserveErr(err error) {
	if err != nil {
		t.Observe(OutcomeError)
		return
	}
	t.Observe(OutcomeOK)
}

// RecordEviction counts an evicted journal event in Default.
func RecordEviction(bytes int64) { Default.RecordEviction(bytes) }
