package engine

import (
	"fmt"
)

// State is the per-run state of a single entity.
type State string

const (
	// StatePending indicates the entity is waiting on its dependencies.
	StatePending State = "pending"

	// StateRunnable indicates the service may be started.
	StateRunnable State = "runnable"

	// StateStarted indicates the service has been handed to a scheduler.
	StateStarted State = "started"

	// StateCompleted indicates the entity succeeded (or, for params, was provided).
	StateCompleted State = "completed"

	// StateFailed indicates the entity failed or can never be satisfied.
	StateFailed State = "failed"

	// StateExcluded indicates the entity was excluded by the operator.
	StateExcluded State = "excluded"

	// StateSkipped indicates the entity is no longer needed, or only ever optional.
	StateSkipped State = "skipped"

	// StateAbsent is the fixed state of a param that was not provided.
	StateAbsent State = "absent"
)

// IsTerminal returns true if no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExcluded ||
		s == StateSkipped || s == StateAbsent
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StatePending, StateRunnable, StateStarted, StateCompleted,
		StateFailed, StateExcluded, StateSkipped, StateAbsent:
		return nil
	default:
		return fmt.Errorf("invalid entity state: %s", s)
	}
}

// transitions lists the allowed state changes. PENDING may resolve directly to
// COMPLETED (checkpoints and targets) or FAILED (unsatisfiable dependencies).
var transitions = map[State][]State{
	StatePending:  {StateRunnable, StateCompleted, StateFailed, StateSkipped, StateExcluded},
	StateRunnable: {StateStarted, StateSkipped, StateExcluded},
	StateStarted:  {StateCompleted, StateFailed},
}

// CanTransition reports whether an entity may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Status is the derived overall status of a workflow run.
type Status string

const (
	// StatusRunning indicates at least one requested goal is unresolved.
	StatusRunning Status = "running"

	// StatusCompleted indicates every requested goal completed or was skipped.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a requested goal failed or can no longer be reached.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// Verdict is the evaluation of a dependency expression against current state.
type Verdict int

const (
	// Pending means the expression may still become satisfied or fail.
	Pending Verdict = iota

	// Satisfied means the expression holds and always will.
	Satisfied

	// Failed means the expression can never hold and the failure is fatal to the parent.
	Failed

	// Skipped means the expression can never hold but the parent is not failed by it.
	Skipped
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Satisfied:
		return "satisfied"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// IsDecided returns true if the verdict can no longer change.
func (v Verdict) IsDecided() bool {
	return v != Pending
}
