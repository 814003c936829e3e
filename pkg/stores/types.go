package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ExecutionStatus represents the outcome of a service execution
type ExecutionStatus string

const (
	ExecutionStatusStarted   ExecutionStatus = "started"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Run is one workflow run
type Run struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Targets     []string   `json:"targets"`
	Params      []string   `json:"params"`
	Excluded    []string   `json:"excluded"`
	Status      RunStatus  `json:"status"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Transition is one entity state change within a run
type Transition struct {
	ID     int64     `json:"id"`
	RunID  string    `json:"run_id"`
	Entity string    `json:"entity"` // kind:name
	From   string    `json:"from"`
	To     string    `json:"to"`
	Cause  string    `json:"cause"`
	At     time.Time `json:"at"`
}

// Execution is the execution of one service within a run
type Execution struct {
	RunID       string          `json:"run_id"`
	Service     string          `json:"service"`
	Job         string          `json:"job"`
	Status      ExecutionStatus `json:"status"`
	Reason      *string         `json:"reason,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Results are the results a service published
type Results struct {
	RunID   string         `json:"run_id"`
	Service string         `json:"service"`
	Data    map[string]any `json:"data"`
	At      time.Time      `json:"at"`
}

// Journal defines the interface for the run journal
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Transition operations
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, runID string) ([]*Transition, error)

	// Execution operations
	StartExecution(ctx context.Context, exec *Execution) error
	FinishExecution(ctx context.Context, runID, service string, status ExecutionStatus, reason *string) error
	ListExecutions(ctx context.Context, runID string) ([]*Execution, error)

	// Results operations
	SaveResults(ctx context.Context, res *Results) error
	ListResults(ctx context.Context, runID string) ([]*Results, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
