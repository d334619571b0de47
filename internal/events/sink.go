// SPDX-License-Identifier: AGPL-3.0-or-later

package events

// Sink consumes run events. Implementations must not block the build;
// failures are theirs to log.
type Sink interface {
	EmitRunStart(runID, spec string)
	EmitRunFinish(runID, status string, err error)
	EmitStepStart(runID, step string)
	EmitStepPhase(runID, step, phase string)
	EmitStepLog(runID, step, channel, message string)
	EmitStepFinish(runID, step string, exitCode int, err error)
}

// Func is a Sink that receives every event fully built. Empty log lines
// are dropped before they reach it.
type Func func(RunEvent)

func (f Func) EmitRunStart(runID, spec string) {
	f(RunEvent{Type: TypeRunStart, RunID: runID, Data: map[string]any{"spec": spec}})
}

func (f Func) EmitRunFinish(runID, status string, err error) {
	f(RunEvent{Type: TypeRunFinish, RunID: runID, Data: withError(map[string]any{"status": status}, err)})
}

func (f Func) EmitStepStart(runID, step string) {
	f(RunEvent{Type: TypeStepStart, RunID: runID, Step: step})
}

func (f Func) EmitStepPhase(runID, step, phase string) {
	f(RunEvent{Type: TypeStepPhase, RunID: runID, Step: step, Data: map[string]any{"phase": phase}})
}

func (f Func) EmitStepLog(runID, step, channel, message string) {
	if message == "" {
		return
	}
	f(RunEvent{Type: TypeStepLog, RunID: runID, Step: step, Channel: channel, Message: message})
}

func (f Func) EmitStepFinish(runID, step string, exitCode int, err error) {
	data := map[string]any{"exit_code": exitCode, "status": StepStatus(exitCode, err)}
	f(RunEvent{Type: TypeStepFinish, RunID: runID, Step: step, Data: withError(data, err)})
}

// Discard drops every event.
var Discard Sink = Func(func(RunEvent) {})

// multi forwards each event to every sink in order.
type multi []Sink

// NewCompositeSink combines sinks. Nil entries are skipped; with nothing
// left it returns nil and a single sink is returned as is.
func NewCompositeSink(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (m multi) EmitRunStart(runID, spec string) {
	for _, s := range m {
		s.EmitRunStart(runID, spec)
	}
}

func (m multi) EmitRunFinish(runID, status string, err error) {
	for _, s := range m {
		s.EmitRunFinish(runID, status, err)
	}
}

func (m multi) EmitStepStart(runID, step string) {
	for _, s := range m {
		s.EmitStepStart(runID, step)
	}
}

func (m multi) EmitStepPhase(runID, step, phase string) {
	for _, s := range m {
		s.EmitStepPhase(runID, step, phase)
	}
}

func (m multi) EmitStepLog(runID, step, channel, message string) {
	for _, s := range m {
		s.EmitStepLog(runID, step, channel, message)
	}
}

func (m multi) EmitStepFinish(runID, step string, exitCode int, err error) {
	for _, s := range m {
		s.EmitStepFinish(runID, step, exitCode, err)
	}
}
