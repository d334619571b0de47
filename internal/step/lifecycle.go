// SPDX-License-Identifier: AGPL-3.0-or-later
package step

import "fmt"

// State is a position in the step lifecycle.
type State int

const (
	Created State = iota
	SetupDone
	PreRunDone
	Running
	PostRunDone
	Failed
	Killed
)

var stateNames = [...]string{
	Created:     "created",
	SetupDone:   "setup_done",
	PreRunDone:  "pre_run_done",
	Running:     "running",
	PostRunDone: "post_run_done",
	Failed:      "failed",
	Killed:      "killed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Killed
}

// Lifecycle tracks the state of one step instance.
type Lifecycle struct {
	state   State
	history []State
}

// NewLifecycle returns a lifecycle in the Created state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: Created, history: []State{Created}}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return l.state
}

// History returns every state visited, oldest first.
func (l *Lifecycle) History() []State {
	return append([]State(nil), l.history...)
}

// Transition moves to the supplied state when the move is strictly forward.
func (l *Lifecycle) Transition(to State) error {
	if !isAllowedTransition(l.state, to) {
		return fmt.Errorf("invalid step transition %s -> %s", l.state, to)
	}
	l.state = to
	l.history = append(l.history, to)
	return nil
}

// Fail moves a non-terminal lifecycle to Failed. It is a no-op when the step
// already failed.
func (l *Lifecycle) Fail() error {
	if l.state == Failed {
		return nil
	}
	return l.Transition(Failed)
}

func isAllowedTransition(from, to State) bool {
	switch to {
	case Failed:
		return from != Failed && from != Killed
	case Killed:
		return from == PostRunDone || from == Failed
	}
	switch from {
	case Created:
		return to == SetupDone
	case SetupDone:
		return to == PreRunDone
	case PreRunDone:
		return to == Running
	case Running:
		return to == PostRunDone
	default:
		return false
	}
}
