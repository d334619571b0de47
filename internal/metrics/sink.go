// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"sync"
	"time"
)

// Sink turns build events into step and run metrics. It has the method set
// of events.Sink without importing it.
type Sink struct {
	registry *Registry
	now      func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

// NewSink records into registry, or into Default when registry is nil.
func NewSink(registry *Registry) *Sink {
	if registry == nil {
		registry = Default
	}
	return &Sink{registry: registry, now: time.Now, started: make(map[string]time.Time)}
}

func (s *Sink) EmitRunStart(string, string)                {}
func (s *Sink) EmitStepPhase(string, string, string)       {}
func (s *Sink) EmitStepLog(string, string, string, string) {}

func (s *Sink) EmitRunFinish(_, status string, _ error) { s.registry.RecordRun(status) }

func (s *Sink) EmitStepStart(runID, step string) {
	s.mu.Lock()
	s.started[runID+"/"+step] = s.now()
	s.mu.Unlock()
}

// EmitStepFinish records the step with the time since its start event. A
// finish without a start counts with zero duration.
func (s *Sink) EmitStepFinish(runID, step string, exitCode int, err error) {
	s.mu.Lock()
	start, ok := s.started[runID+"/"+step]
	delete(s.started, runID+"/"+step)
	s.mu.Unlock()

	var took time.Duration
	if ok {
		took = s.now().Sub(start)
	}
	status := "completed"
	if exitCode != 0 || err != nil {
		status = "failed"
	}
	s.registry.RecordStep(step, status, took)
}
