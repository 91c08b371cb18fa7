package model

import "fmt"

// LifecycleState is the position of a node in its lifecycle.
type LifecycleState int

const (
	StateUnconfigured LifecycleState = iota
	StateCompiling
	StateStarting
	StateRunning
	StateReconfiguring
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[LifecycleState]string{
	StateUnconfigured:  "Unconfigured",
	StateCompiling:     "Compiling",
	StateStarting:      "Starting",
	StateRunning:       "Running",
	StateReconfiguring: "Reconfiguring",
	StateStopping:      "Stopping",
	StateStopped:       "Stopped",
	StateFailed:        "Failed",
}

func (s LifecycleState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// Settled reports whether a node in this state has finished bring-up,
// successfully or not.
func (s LifecycleState) Settled() bool {
	switch s {
	case StateRunning, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a node of the given kind may move from one
// state to another. Hosts skip Compiling and Reconfiguring.
func CanTransition(kind NodeKind, from, to LifecycleState) bool {
	if to == StateStopping {
		return from != StateStopping && from != StateStopped
	}
	if kind == KindHost {
		switch from {
		case StateUnconfigured:
			return to == StateStarting
		case StateStarting:
			return to == StateRunning || to == StateFailed
		case StateStopping:
			return to == StateStopped
		}
		return false
	}
	switch from {
	case StateUnconfigured:
		return to == StateCompiling
	case StateCompiling:
		return to == StateStarting || to == StateFailed
	case StateStarting:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateReconfiguring
	case StateReconfiguring:
		return to == StateRunning || to == StateFailed
	case StateStopping:
		return to == StateStopped
	}
	return false
}
