// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events carries the build lifecycle as a stream of run events.
// Sinks print them, persist them to the journal or count them.
package events

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeRunStart   = "run.start"
	TypeRunFinish  = "run.finish"
	TypeStepStart  = "step.start"
	TypeStepPhase  = "step.phase"
	TypeStepLog    = "step.log"
	TypeStepFinish = "step.finish"
)

// Run and step statuses carried in finish events.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// RunEvent is one entry of the event stream. Sequence is assigned by the
// sink that numbers events: the emitter counts per process, the journal
// uses its own sequence.
type RunEvent struct {
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Step      string         `json:"step,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// String renders the event on one line with data keys sorted, for example
// "[4] step.finish run=r1 step=iso exit_code=0 status=completed".
func (ev RunEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", ev.Sequence, ev.Type)
	for _, f := range [...]struct{ k, v string }{{"run", ev.RunID}, {"step", ev.Step}, {"channel", ev.Channel}} {
		if f.v != "" {
			fmt.Fprintf(&b, " %s=%s", f.k, f.v)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Data)) {
		fmt.Fprintf(&b, " %s=%v", k, ev.Data[k])
	}
	if ev.Message != "" {
		b.WriteString(": ")
		b.WriteString(ev.Message)
	}
	return b.String()
}

// StepStatus maps a step outcome to the status reported in step.finish.
func StepStatus(exitCode int, err error) string {
	if exitCode != 0 || err != nil {
		return StatusFailed
	}
	return StatusCompleted
}

// GenerateRunID returns a fresh run identifier.
func GenerateRunID() string {
	return "run-" + uuid.NewString()
}

func withError(data map[string]any, err error) map[string]any {
	if err != nil {
		data["error"] = err.Error()
	}
	return data
}
