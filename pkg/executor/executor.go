package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kcri/bapflow/pkg/blackboard"
	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/telemetry"
)

// DefaultWorkers is the number of concurrent service executions when none is
// configured.
const DefaultWorkers = 10

// Executor drives a workflow run to a terminal status. It starts runnable
// services through their shims, waits for their jobs and reports the outcome
// back to the controller. All controller mutations happen on the goroutine
// that called Run.
type Executor struct {
	scheduler Scheduler
	shims     map[string]Shim
	bb        blackboard.Blackboard
	workers   int
	logger    *telemetry.Logger
	observers []engine.Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers bounds the number of concurrent service executions.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithBlackboard sets the blackboard shared by the services of a run.
func WithBlackboard(bb blackboard.Blackboard) Option {
	return func(e *Executor) {
		if bb != nil {
			e.bb = bb
		}
	}
}

// WithObserver registers an additional observer on every run's controller.
func WithObserver(obs engine.Observer) Option {
	return func(e *Executor) {
		if obs != nil {
			e.observers = append(e.observers, obs)
		}
	}
}

// WithLogger makes runs log through logger instead of the logger carried by
// their context.
func WithLogger(logger *telemetry.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor that runs services through shims, keyed by service
// name, submitting their jobs to sched.
func New(sched Scheduler, shims map[string]Shim, opts ...Option) *Executor {
	e := &Executor{
		scheduler: sched,
		shims:     shims,
		bb:        blackboard.New(),
		workers:   DefaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string                     `json:"run_id"`
	Status    engine.Status              `json:"status"`
	Completed []engine.ID                `json:"completed"`
	Failed    []engine.ID                `json:"failed"`
	Skipped   []engine.ID                `json:"skipped"`
	Failures  map[string]string          `json:"failures,omitempty"`
	States    map[engine.ID]engine.State `json:"-"`
	Duration  time.Duration              `json:"duration"`
}

type outcome struct {
	id engine.ID
	x  *Execution
}

// Run executes the request against reg. It returns once the run is terminal and
// no execution is in flight. When ctx is done every started service is failed
// and the context's error is returned along with the result.
func (e *Executor) Run(ctx context.Context, reg *engine.Registry, req engine.Request) (*RunResult, error) {
	runID := uuid.New().String()
	start := time.Now()

	ctx = telemetry.WithRunContext(ctx, runID, idNames(req.Targets), idNames(req.Params), idNames(req.Excluded))
	if e.logger != nil {
		ctx = e.logger.WithRunID(runID).WithContext(ctx)
	}
	logger := telemetry.FromContext(ctx).NewComponentLogger("executor")

	opts := []engine.Option{engine.WithObserver(e.observe(ctx, runID, logger))}
	for _, obs := range e.observers {
		opts = append(opts, engine.WithObserver(obs))
	}

	c, err := engine.NewController(reg, req, opts...)
	if err != nil {
		telemetry.EndRunContext(ctx, runID, string(engine.StatusFailed), err)
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"targets":  idNames(c.Goals()),
		"runnable": len(c.Runnable()),
	}).Info("run started")

	failures, runErr := e.drive(ctx, runID, c, logger)

	status := c.Status()
	if !status.IsTerminal() {
		status = engine.StatusFailed
	}

	res := &RunResult{
		RunID:     runID,
		Status:    status,
		Completed: c.Completed(),
		Failed:    c.Failed(),
		Skipped:   c.Skipped(),
		Failures:  failures,
		States:    c.Snapshot(),
		Duration:  time.Since(start),
	}

	telemetry.EndRunContext(ctx, runID, string(status), runErr)
	logger.WithFields(map[string]interface{}{
		"status":    status,
		"completed": len(res.Completed),
		"failed":    len(res.Failed),
		"duration":  res.Duration.String(),
	}).Info("run finished")

	return res, runErr
}

// drive is the run's event loop.
func (e *Executor) drive(ctx context.Context, runID string, c *engine.Controller, logger *telemetry.Logger) (map[string]string, error) {
	tel := telemetry.FromTelemetryContext(ctx)
	results := make(chan outcome)
	failures := make(map[string]string)
	inflight := 0
	done := ctx.Done()

	for {
		if ctx.Err() == nil && !c.Status().IsTerminal() {
			for _, id := range c.Runnable() {
				if inflight >= e.workers {
					break
				}
				if err := c.MarkStarted(id); err != nil {
					logger.WithEntity(id).WithError(err).Error("failed to start service")
					continue
				}
				inflight++
				go e.execute(ctx, runID, id, results)
			}
		}

		if tel != nil {
			tel.Metrics.SetServiceCounts(len(c.Runnable()), len(c.Started()))
		}
		if inflight == 0 {
			break
		}

		select {
		case o := <-results:
			inflight--
			e.finish(ctx, runID, c, o, failures, logger)

		case <-done:
			done = nil
			logger.WithError(ctx.Err()).Warn("run cancelled, failing started services")
			for _, id := range c.Started() {
				failures[id.Name] = "cancelled"
				if err := c.MarkFailed(id); err != nil {
					logger.WithEntity(id).WithError(err).Error("failed to fail service")
				}
			}
		}
	}

	return failures, ctx.Err()
}

// execute runs one service and sends its outcome on results.
func (e *Executor) execute(ctx context.Context, runID string, id engine.ID, results chan<- outcome) {
	ident := strings.ToLower(id.Name)
	sctx := telemetry.WithServiceContext(ctx, runID, id.Name, ident)

	x := e.invoke(sctx, id.Name, ident)
	if x.State() == ExecCreated {
		x.Fail("service shim did not submit a job")
	}

	if x.State() == ExecStarted {
		select {
		case <-x.Job().Done():
			x.CollectOutput()
		case <-ctx.Done():
			x.Fail("cancelled")
		}
	}

	var err error
	class := ""
	if x.State() != ExecDone {
		err = errors.New(x.Error())
		switch {
		case ctx.Err() != nil:
			class = "cancelled"
		case x.Job() != nil:
			class = "job"
		default:
			class = "input"
		}
	}
	telemetry.EndServiceContext(sctx, runID, id.Name, class, err)

	results <- outcome{id: id, x: x}
}

// invoke calls the service's shim, turning a missing shim or a panic into a
// failed execution.
func (e *Executor) invoke(ctx context.Context, service, ident string) (x *Execution) {
	shim, ok := e.shims[service]
	if !ok {
		x = NewExecution(service, ident, e.bb, e.scheduler)
		x.Fail("no shim registered for service %s", service)
		return x
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.FromContext(ctx).WithField("panic", r).Error("service shim panicked")
			x = NewExecution(service, ident, e.bb, e.scheduler)
			x.Fail("%v", r)
		}
	}()

	x = shim.Execute(ctx, ident, e.bb, e.scheduler)
	if x == nil {
		x = NewExecution(service, ident, e.bb, e.scheduler)
		x.Fail("service shim returned no execution")
	}
	return x
}

// finish reports an outcome to the controller. Outcomes of services already
// failed by cancellation are dropped.
func (e *Executor) finish(ctx context.Context, runID string, c *engine.Controller, o outcome, failures map[string]string, logger *telemetry.Logger) {
	if st, err := c.State(o.id); err != nil || st != engine.StateStarted {
		return
	}

	if o.x.State() == ExecDone {
		if err := c.MarkCompleted(o.id); err != nil {
			logger.WithEntity(o.id).WithError(err).Error("failed to complete service")
			return
		}
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			if res, ok := blackboard.Results(e.bb, o.id.Name, o.x.Ident()); ok {
				_ = tel.Events.PublishResults(runID, o.id.Name, res)
			}
		}
		return
	}

	failures[o.id.Name] = o.x.Error()
	logger.WithEntity(o.id).WithField("reason", o.x.Error()).Warn("service failed")
	if err := c.MarkFailed(o.id); err != nil {
		logger.WithEntity(o.id).WithError(err).Error("failed to fail service")
	}
}

// observe logs each transition and feeds it to metrics, events and the run span.
func (e *Executor) observe(ctx context.Context, runID string, logger *telemetry.Logger) engine.Observer {
	tel := telemetry.FromTelemetryContext(ctx)

	return func(t engine.Transition) {
		logger.WithEntity(t.ID).WithFields(map[string]interface{}{
			"from":  t.From,
			"to":    t.To,
			"cause": t.Cause,
		}).Debug("transition")

		if tel == nil {
			return
		}
		tel.Metrics.RecordTransition(t.ID.Kind.String(), string(t.To))
		_ = tel.Events.PublishTransition(runID, t.ID.String(), string(t.From), string(t.To), t.Cause)
		telemetry.AddTransitionEvent(ctx, t.ID.String(), string(t.From), string(t.To))
	}
}

func idNames(ids []engine.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
