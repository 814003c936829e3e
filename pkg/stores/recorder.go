package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kcri/bapflow/pkg/telemetry"
)

// Recorder writes telemetry events of workflow runs to a journal.
type Recorder struct {
	journal  Journal
	workflow string
	timeout  time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	errs []error
}

// NewRecorder creates a recorder that files runs under the given workflow name.
func NewRecorder(journal Journal, workflow string) *Recorder {
	return &Recorder{
		journal:  journal,
		workflow: workflow,
		timeout:  5 * time.Second,
		logger:   log.With().Str("component", "journal").Logger(),
	}
}

// Attach subscribes the recorder to the run events of p.
func (r *Recorder) Attach(p *telemetry.EventPublisher) {
	p.Subscribe(r.Record, telemetry.FilterByType(
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeRunCompleted,
		telemetry.EventTypeRunFailed,
		telemetry.EventTypeTransition,
		telemetry.EventTypeExecutionStarted,
		telemetry.EventTypeExecutionCompleted,
		telemetry.EventTypeExecutionFailed,
		telemetry.EventTypeResultsPublished,
	))
}

// Record writes one event. Failures are logged and kept for Err; they never
// interrupt the run being recorded.
func (r *Recorder) Record(e telemetry.Event) {
	if e.RunID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.record(ctx, e); err != nil {
		r.logger.Warn().Err(err).Str("run_id", e.RunID).Str("event", e.Type).Msg("failed to journal event")
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
}

// Err returns every error met while recording, joined.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Recorder) record(ctx context.Context, e telemetry.Event) error {
	at := e.Timestamp.UTC()

	switch e.Type {
	case telemetry.EventTypeRunStarted:
		return r.journal.CreateRun(ctx, &Run{
			ID:        e.RunID,
			Workflow:  r.workflow,
			Targets:   stringsOf(e.Data["targets"]),
			Params:    stringsOf(e.Data["params"]),
			Excluded:  stringsOf(e.Data["excluded"]),
			Status:    RunStatusRunning,
			StartedAt: at,
		})

	case telemetry.EventTypeRunCompleted:
		return r.journal.FinishRun(ctx, e.RunID, RunStatus(stringOf(e.Data["status"])), nil)

	case telemetry.EventTypeRunFailed:
		msg := e.Message
		return r.journal.FinishRun(ctx, e.RunID, RunStatusFailed, &msg)

	case telemetry.EventTypeTransition:
		return r.journal.AppendTransition(ctx, &Transition{
			RunID:  e.RunID,
			Entity: e.Entity,
			From:   stringOf(e.Data["from"]),
			To:     stringOf(e.Data["to"]),
			Cause:  stringOf(e.Data["cause"]),
			At:     at,
		})

	case telemetry.EventTypeExecutionStarted:
		return r.journal.StartExecution(ctx, &Execution{
			RunID:     e.RunID,
			Service:   e.Entity,
			Job:       stringOf(e.Data["job"]),
			StartedAt: at,
		})

	case telemetry.EventTypeExecutionCompleted:
		return r.journal.FinishExecution(ctx, e.RunID, e.Entity, ExecutionStatusCompleted, nil)

	case telemetry.EventTypeExecutionFailed:
		reason := stringOf(e.Data["reason"])
		return r.journal.FinishExecution(ctx, e.RunID, e.Entity, ExecutionStatusFailed, &reason)

	case telemetry.EventTypeResultsPublished:
		return r.journal.SaveResults(ctx, &Results{
			RunID:   e.RunID,
			Service: e.Entity,
			Data:    e.Data,
			At:      at,
		})
	}

	return nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func stringsOf(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, len(x))
		for i, item := range x {
			out[i] = stringOf(item)
		}
		return out
	default:
		return nil
	}
}
