package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/executor"
	"github.com/kcri/bapflow/pkg/telemetry"
)

func newPublisher(t *testing.T) *telemetry.EventPublisher {
	t.Helper()
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	return ep
}

func TestRecorder_RecordsEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ep := newPublisher(t)
	rec := NewRecorder(store, "bap")
	rec.Attach(ep)

	require.NoError(t, ep.PublishRunStarted("r1", []string{"DEFAULT"}, []string{"reads"}, []string{"KCST"}))
	require.NoError(t, ep.PublishTransition("r1", "service:SKESA", "pending", "runnable", "init"))
	require.NoError(t, ep.PublishExecutionStarted("r1", "SKESA", "skesa"))
	require.NoError(t, ep.PublishTransition("r1", "service:SKESA", "runnable", "started", "start"))
	require.NoError(t, ep.PublishExecutionCompleted("r1", "SKESA", time.Second))
	require.NoError(t, ep.PublishResults("r1", "SKESA", map[string]interface{}{"contigs": "contigs.fna"}))
	require.NoError(t, ep.PublishExecutionStarted("r1", "MLST", "mlst"))
	require.NoError(t, ep.PublishExecutionFailed("r1", "MLST", "missing user input: species"))
	require.NoError(t, ep.PublishPolicyViolation("params", "warning", "ignored"))
	require.NoError(t, ep.PublishRunCompleted("r1", "failed", 2*time.Second))

	require.NoError(t, rec.Err())

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "bap", run.Workflow)
	assert.Equal(t, []string{"KCST"}, run.Excluded)
	assert.Equal(t, RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "failed")

	trs, err := store.ListTransitions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, "started", trs[1].To)
	assert.Equal(t, "start", trs[1].Cause)

	execs, err := store.ListExecutions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, ExecutionStatusCompleted, execs[0].Status)
	assert.Equal(t, ExecutionStatusFailed, execs[1].Status)

	results, err := store.ListResults(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "contigs.fna", results[0].Data["contigs"])
}

func TestRecorder_KeepsErrors(t *testing.T) {
	store := setupTestStore(t)

	rec := NewRecorder(store, "bap")
	rec.Record(telemetry.Event{Type: telemetry.EventTypeRunCompleted, RunID: "unknown", Data: map[string]interface{}{"status": "completed"}})
	rec.Record(telemetry.Event{Type: telemetry.EventTypeRunStarted})

	err := rec.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecorder_ExecutorRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	rec := NewRecorder(store, "assembly")
	rec.Attach(tel.Events)

	reg, err := engine.NewRegistry(
		engine.Entity{ID: engine.Param("reads")},
		engine.Entity{ID: engine.Service("SKESA"), Depends: engine.Param("reads")},
		engine.Entity{ID: engine.Service("SPAdes"), Depends: engine.Param("reads")},
		engine.Entity{ID: engine.UserTarget("assembly"), Depends: engine.One(engine.Service("SKESA"), engine.Service("SPAdes"))},
	)
	require.NoError(t, err)

	shims := map[string]executor.Shim{
		"SKESA":  &executor.CommandShim{Service: "SKESA", Spec: executor.JobSpec{Program: "skesa"}},
		"SPAdes": &executor.CommandShim{Service: "SPAdes", Spec: executor.JobSpec{Program: "spades"}},
	}
	ex := executor.New(&executor.SimulatedScheduler{Root: t.TempDir()}, shims, executor.WithWorkers(1))

	res, err := ex.Run(tel.WithContext(ctx), reg, engine.Request{
		Params:  []engine.ID{engine.Param("reads")},
		Targets: []engine.ID{engine.UserTarget("assembly")},
	})
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, res.Status)
	require.NoError(t, rec.Err())

	run, err := store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "assembly", run.Workflow)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"target:assembly"}, run.Targets)

	execs, err := store.ListExecutions(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "SKESA", execs[0].Service)

	trs, err := store.ListTransitions(ctx, res.RunID)
	require.NoError(t, err)
	var skipped []string
	for _, tr := range trs {
		if tr.To == "skipped" {
			skipped = append(skipped, tr.Entity)
		}
	}
	assert.Contains(t, skipped, "service:SPAdes")

	results, err := store.ListResults(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "SKESA", results[0].Service)
}
