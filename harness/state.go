//go:build linux

package harness

import (
	"slices"

	"github.com/testcage/testcage/report"
)

// State is the position of a run in its lifecycle. Setup failures happen
// before the machine starts: a run that never began building stays
// StatePending and is reported outside the state machine.
type State string

const (
	StatePending     State = "pending"
	StateBuilding    State = "building"
	StateBuildFailed State = "build_failed"
	StateTesting     State = "testing"
	StateTestsPassed State = "tests_passed"
	StateTestsFailed State = "tests_failed"
	StateTimedOut    State = "timed_out"
	StateCrashed     State = "crashed"
)

// transitions is the complete transition relation. Pending moves straight
// to Testing when no build command is configured. Terminal states have no
// successors.
var transitions = map[State][]State{
	StatePending:  {StateBuilding, StateTesting},
	StateBuilding: {StateBuildFailed, StateTesting, StateTimedOut, StateCrashed},
	StateTesting:  {StateTestsPassed, StateTestsFailed, StateTimedOut, StateCrashed},
}

// Terminal reports whether s has no successor states.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Classification maps a terminal state to the run classification it
// implies. ok is false for non-terminal states, which classify as nothing
// on their own.
func (s State) Classification() (class report.Classification, ok bool) {
	switch s {
	case StateBuildFailed:
		return report.BuildFailure, true
	case StateTestsPassed:
		return report.TestsPassed, true
	case StateTestsFailed:
		return report.TestsFailed, true
	case StateTimedOut:
		return report.Timeout, true
	case StateCrashed:
		return report.Crashed, true
	default:
		return "", false
	}
}
