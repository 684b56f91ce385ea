// Package job contains the persisted units of work handled by the engine:
// jobs, top-level requests, container requests and their file requests.
package job

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a job. The numeric values are persisted.
type State int

const (
	StateNew State = iota
	StateQueued
	StateRunning
	StateRetryWait
	StateDone
	StateFailed
	StateCanceled
	StateRestored
)

var stateNames = map[State]string{
	StateNew:       "NEW",
	StateQueued:    "QUEUED",
	StateRunning:   "RUNNING",
	StateRetryWait: "RETRYWAIT",
	StateDone:      "DONE",
	StateFailed:    "FAILED",
	StateCanceled:  "CANCELED",
	StateRestored:  "RESTORED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a state name, case-insensitively.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", name)
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// TerminalStates lists the terminal states.
func TerminalStates() []State {
	return []State{StateDone, StateFailed, StateCanceled}
}

// transitions is the table of permitted edges.
var transitions = map[State][]State{
	StateNew:       {StateQueued, StateFailed, StateCanceled},
	StateQueued:    {StateRunning, StateFailed, StateCanceled},
	StateRunning:   {StateDone, StateRetryWait, StateFailed, StateCanceled},
	StateRetryWait: {StateQueued, StateFailed, StateCanceled},
	StateRestored:  {StateQueued, StateFailed, StateCanceled},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
