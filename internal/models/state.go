package models

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a state change is not an edge of the state machine.
var ErrInvalidTransition = errors.New("invalid environment state transition")

// EnvironmentState represents the current state of an environment in its lifecycle.
//
// The main path is:
//
//	None → Created → (Queued) → Provisioning → Available ⇄ Awaiting
//	Available → ShuttingDown → Shutdown → (Archived) → Queued/Starting → Available
//
// Failed and Deleted are reachable from most states; Deleted is terminal.
// Moved is never persisted: it is emitted to billing when an environment
// leaves its plan.
type EnvironmentState string

const (
	StateNone         EnvironmentState = "None"
	StateCreated      EnvironmentState = "Created"
	StateQueued       EnvironmentState = "Queued"
	StateProvisioning EnvironmentState = "Provisioning"
	StateAvailable    EnvironmentState = "Available"
	StateAwaiting     EnvironmentState = "Awaiting"
	StateUnavailable  EnvironmentState = "Unavailable"
	StateStarting     EnvironmentState = "Starting"
	StateShuttingDown EnvironmentState = "ShuttingDown"
	StateShutdown     EnvironmentState = "Shutdown"
	StateArchived     EnvironmentState = "Archived"
	StateMoved        EnvironmentState = "Moved"
	StateFailed       EnvironmentState = "Failed"
	StateDeleted      EnvironmentState = "Deleted"
)

// AllStates lists every state in declaration order.
var AllStates = []EnvironmentState{
	StateNone, StateCreated, StateQueued, StateProvisioning, StateAvailable,
	StateAwaiting, StateUnavailable, StateStarting, StateShuttingDown,
	StateShutdown, StateArchived, StateMoved, StateFailed, StateDeleted,
}

// Valid reports whether s is one of the enumerated states.
func (s EnvironmentState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsShutdown reports whether the environment holds no running compute and may be resumed.
func (s EnvironmentState) IsShutdown() bool {
	return s == StateShutdown || s == StateArchived
}

// IsComputeUtilizing reports whether the state counts against compute quota.
func (s EnvironmentState) IsComputeUtilizing() bool {
	switch s {
	case StateDeleted, StateShutdown, StateArchived, StateFailed:
		return false
	default:
		return true
	}
}

// AllowedTransition reports whether from → to is an edge of the state machine.
// Self-transitions are not edges; callers treat them as no-ops.
func AllowedTransition(from, to EnvironmentState) bool {
	if from == StateDeleted {
		return false
	}
	if to == StateDeleted {
		return true
	}
	if to == StateFailed {
		switch from {
		case StateCreated, StateQueued, StateProvisioning, StateStarting,
			StateAvailable, StateAwaiting, StateUnavailable, StateShuttingDown:
			return true
		}
		return false
	}
	switch from {
	case StateNone:
		return to == StateCreated || to == StateQueued || to == StateProvisioning
	case StateCreated:
		return to == StateQueued || to == StateProvisioning
	case StateQueued:
		return to == StateProvisioning || to == StateStarting || to == StateShutdown
	case StateProvisioning:
		return to == StateAvailable || to == StateShutdown
	case StateAvailable:
		return to == StateAwaiting || to == StateUnavailable || to == StateShuttingDown || to == StateMoved
	case StateAwaiting:
		return to == StateAvailable || to == StateUnavailable || to == StateShutdown
	case StateUnavailable:
		return to == StateShutdown
	case StateStarting:
		return to == StateAvailable || to == StateAwaiting || to == StateShutdown
	case StateShuttingDown:
		return to == StateShutdown
	case StateShutdown:
		return to == StateArchived || to == StateQueued || to == StateStarting || to == StateMoved
	case StateArchived:
		return to == StateQueued || to == StateStarting || to == StateMoved
	case StateMoved:
		return to == StateAvailable || to == StateShutdown || to == StateArchived
	}
	return false
}

// TransitionStatus is the status of a named in-flight step.
type TransitionStatus string

const (
	TransitionInitialized TransitionStatus = "Initialized"
	TransitionInProgress  TransitionStatus = "InProgress"
	TransitionSucceeded   TransitionStatus = "Succeeded"
	TransitionFailed      TransitionStatus = "Failed"
	TransitionCancelled   TransitionStatus = "Cancelled"
)

// Names of the sub-state trackers.
const (
	TrackerResuming     = "Resuming"
	TrackerShuttingDown = "ShuttingDown"
	TrackerArchiving    = "Archiving"
	TrackerExporting    = "Exporting"
)

// TransitionStatusChange is one entry in a tracker's history.
type TransitionStatusChange struct {
	Status TransitionStatus `json:"status"`
	At     time.Time        `json:"at"`
}

// TransitionTracker records the status of one named step plus its history.
type TransitionTracker struct {
	Status  TransitionStatus         `json:"status"`
	History []TransitionStatusChange `json:"history,omitempty"`
}

// Transitions maps tracker names to trackers.
type Transitions map[string]*TransitionTracker

// Status returns the tracker status, or Initialized when the tracker is absent.
func (t Transitions) Status(name string) TransitionStatus {
	if tracker, ok := t[name]; ok && tracker != nil {
		return tracker.Status
	}
	return TransitionInitialized
}

func (t Transitions) clone() Transitions {
	if t == nil {
		return nil
	}
	out := make(Transitions, len(t))
	for name, tracker := range t {
		if tracker == nil {
			continue
		}
		copied := &TransitionTracker{Status: tracker.Status}
		copied.History = append([]TransitionStatusChange(nil), tracker.History...)
		out[name] = copied
	}
	return out
}

// SetTransitionStatus moves a tracker to status and appends to its history.
func (e *Environment) SetTransitionStatus(name string, status TransitionStatus, at time.Time) {
	if e.Transitions == nil {
		e.Transitions = make(Transitions)
	}
	tracker, ok := e.Transitions[name]
	if !ok || tracker == nil {
		tracker = &TransitionTracker{Status: TransitionInitialized}
		e.Transitions[name] = tracker
	}
	if tracker.Status == status && len(tracker.History) > 0 {
		return
	}
	tracker.Status = status
	tracker.History = append(tracker.History, TransitionStatusChange{Status: status, At: at.UTC()})
}

// ResetTransition returns a tracker to Initialized with an empty history.
func (e *Environment) ResetTransition(name string) {
	if e.Transitions == nil {
		return
	}
	delete(e.Transitions, name)
}
