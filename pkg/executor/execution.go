package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/kcri/bapflow/pkg/blackboard"
	"github.com/rs/zerolog/log"
)

// ExecState is the state of one service execution.
type ExecState string

const (
	ExecCreated ExecState = "created"
	ExecStarted ExecState = "started"
	ExecDone    ExecState = "done"
	ExecFailed  ExecState = "failed"
)

// UserError marks an invalid input. It fails only the owning execution and its
// message is shown to the user as is.
type UserError struct {
	msg string
}

// NewUserError creates a UserError.
func NewUserError(format string, args ...any) *UserError {
	return &UserError{msg: fmt.Sprintf(format, args...)}
}

func (e *UserError) Error() string { return e.msg }

// IsUserError reports whether err is or wraps a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// Collector publishes the output of a finished job. It calls Fail on the
// execution when the output is missing or unusable.
type Collector func(x *Execution, job Job)

// Shim adapts one backend to the workflow: it reads inputs from the blackboard,
// submits a job and publishes the job's output.
type Shim interface {
	Execute(ctx context.Context, ident string, bb blackboard.Blackboard, sched Scheduler) *Execution
}

// ShimFunc adapts a function to the Shim interface.
type ShimFunc func(ctx context.Context, ident string, bb blackboard.Blackboard, sched Scheduler) *Execution

// Execute calls f.
func (f ShimFunc) Execute(ctx context.Context, ident string, bb blackboard.Blackboard, sched Scheduler) *Execution {
	return f(ctx, ident, bb, sched)
}

// Execution is a single execution of a service.
type Execution struct {
	service string
	ident   string
	bb      blackboard.Blackboard
	sched   Scheduler

	mu      sync.Mutex
	state   ExecState
	message string
	job     Job
	collect Collector
}

// NewExecution creates an execution in the created state.
func NewExecution(service, ident string, bb blackboard.Blackboard, sched Scheduler) *Execution {
	return &Execution{
		service: service,
		ident:   ident,
		bb:      bb,
		sched:   sched,
		state:   ExecCreated,
	}
}

// Service returns the service name.
func (x *Execution) Service() string { return x.service }

// Ident returns the execution identifier.
func (x *Execution) Ident() string { return x.ident }

// Blackboard returns the blackboard the execution reads and writes.
func (x *Execution) Blackboard() blackboard.Blackboard { return x.bb }

// State returns the current state.
func (x *Execution) State() ExecState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Error returns the failure message, or "" unless the execution failed.
func (x *Execution) Error() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.message
}

// Job returns the submitted job, or nil before Start.
func (x *Execution) Job() Job {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.job
}

// Start records spec on the blackboard and submits it as job name in group.
// collect runs once the job is done. Start is a no-op unless the execution is
// in the created state.
func (x *Execution) Start(ctx context.Context, name, group string, spec JobSpec, collect Collector) error {
	if x.State() != ExecCreated {
		return nil
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	blackboard.PutJobSpec(x.bb, x.service, x.ident, spec.AsMap())

	j, err := x.sched.Schedule(ctx, name, spec, group)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != ExecCreated {
		return nil
	}
	x.job = j
	x.collect = collect
	x.state = ExecStarted
	return nil
}

// CollectOutput finishes a started execution once its job is done. A failed job
// fails the execution; otherwise the collector publishes the output.
func (x *Execution) CollectOutput() {
	x.mu.Lock()
	if x.state != ExecStarted {
		x.mu.Unlock()
		return
	}
	j, collect := x.job, x.collect
	x.mu.Unlock()

	if err := j.Err(); err != nil {
		x.Fail("backend job failed: %v, check: %s", err, j.FilePath(""))
		return
	}

	Guard(x, func() error {
		if collect != nil {
			collect(x, j)
		}
		return nil
	})

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state == ExecStarted {
		x.state = ExecDone
	}
}

// Fail marks the execution failed with a formatted message. A finished
// execution stays as it is.
func (x *Execution) Fail(format string, args ...any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state == ExecDone || x.state == ExecFailed {
		return
	}
	x.state = ExecFailed
	x.message = fmt.Sprintf(format, args...)
}

// StoreResults publishes results for this execution on the blackboard.
func (x *Execution) StoreResults(results map[string]any) {
	blackboard.PutResults(x.bb, x.service, x.ident, results)
}

// Guard runs fn on behalf of x. A UserError fails the execution with its
// message; any other error or a panic is logged with full context first.
func Guard(x *Execution, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("service", x.service).
				Str("ident", x.ident).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("service shim panicked")
			x.Fail("%v", r)
		}
	}()

	err := fn()
	switch {
	case err == nil:
	case IsUserError(err):
		x.Fail("%s", err.Error())
	default:
		log.Error().
			Err(err).
			Str("service", x.service).
			Str("ident", x.ident).
			Msg("service shim failed")
		x.Fail("%s", err.Error())
	}
}
