package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kcri/bapflow/pkg/blackboard"
	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, target engine.Expr) *engine.Registry {
	t.Helper()
	reg, err := engine.NewRegistry(
		engine.Entity{ID: engine.Param("reads")},
		engine.Entity{ID: engine.Service("Trim"), Depends: engine.Param("reads")},
		engine.Entity{ID: engine.Service("Assemble"), Depends: engine.Service("Trim")},
		engine.Entity{ID: engine.Service("Map"), Depends: engine.Service("Trim")},
		engine.Entity{ID: engine.UserTarget("out"), Depends: target},
	)
	require.NoError(t, err)
	return reg
}

func commandShims(names ...string) map[string]Shim {
	shims := make(map[string]Shim, len(names))
	for _, n := range names {
		shims[n] = &CommandShim{Service: n, Spec: JobSpec{Program: n, CPU: 1}}
	}
	return shims
}

func request(targets ...string) engine.Request {
	req := engine.Request{Params: []engine.ID{engine.Param("reads")}}
	for _, t := range targets {
		req.Targets = append(req.Targets, engine.UserTarget(t))
	}
	return req
}

func newTestExecutor(sched Scheduler, shims map[string]Shim, opts ...Option) *Executor {
	opts = append([]Option{WithLogger(telemetry.NewLoggerFrom(zerolog.Nop()))}, opts...)
	return New(sched, shims, opts...)
}

func TestExecutor_RunCompletes(t *testing.T) {
	reg := testRegistry(t, engine.All(engine.Service("Assemble"), engine.Service("Map")))
	ex := newTestExecutor(&SimulatedScheduler{}, commandShims("Trim", "Assemble", "Map"))

	res, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Empty(t, res.Failures)
	assert.Contains(t, res.Completed, engine.Service("Assemble"))
	assert.Contains(t, res.Completed, engine.Service("Map"))
	assert.Equal(t, engine.StateCompleted, res.States[engine.UserTarget("out")])
}

func TestExecutor_LogsThroughContextLogger(t *testing.T) {
	reg := testRegistry(t, engine.Service("Assemble"))
	sched := &SimulatedScheduler{Fail: map[string]bool{"Assemble": true}}
	ex := New(sched, commandShims("Trim", "Assemble"))

	var buf bytes.Buffer
	ctx := telemetry.NewLoggerFrom(zerolog.New(&buf)).WithContext(context.Background())
	res, err := ex.Run(ctx, reg, request("out"))
	require.NoError(t, err)

	var failed, finished map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		assert.Equal(t, res.RunID, entry["run_id"])
		switch entry["message"] {
		case "service failed":
			failed = entry
		case "run finished":
			finished = entry
		}
	}

	require.NotNil(t, failed)
	assert.Equal(t, "executor", failed["component"])
	assert.Equal(t, "service:Assemble", failed["entity"])
	assert.Contains(t, failed["reason"], "simulated failure of Assemble")
	require.NotNil(t, finished)
	assert.Equal(t, "failed", finished["status"])
}

func TestExecutor_FailedJobFailsRun(t *testing.T) {
	reg := testRegistry(t, engine.All(engine.Service("Assemble"), engine.Service("Map")))
	sched := &SimulatedScheduler{Fail: map[string]bool{"Map": true}}
	ex := newTestExecutor(sched, commandShims("Trim", "Assemble", "Map"))

	res, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, res.Status)
	require.Contains(t, res.Failures, "Map")
	assert.Contains(t, res.Failures["Map"], "backend job failed")
	assert.Contains(t, res.Failed, engine.Service("Map"))
}

func TestExecutor_OneSkipsLoser(t *testing.T) {
	reg := testRegistry(t, engine.One(engine.Service("Assemble"), engine.Service("Map")))
	ex := newTestExecutor(&SimulatedScheduler{}, commandShims("Trim", "Assemble", "Map"), WithWorkers(1))

	res, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Contains(t, res.Completed, engine.Service("Assemble"))
	assert.Contains(t, res.Skipped, engine.Service("Map"))
}

func TestExecutor_OptionalFailureTolerated(t *testing.T) {
	reg := testRegistry(t, engine.All(engine.Service("Assemble"), engine.Opt(engine.Service("Map"))))
	sched := &SimulatedScheduler{Fail: map[string]bool{"Map": true}}
	ex := newTestExecutor(sched, commandShims("Trim", "Assemble", "Map"))

	res, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Contains(t, res.Failed, engine.Service("Map"))
}

func TestExecutor_MissingShim(t *testing.T) {
	reg := testRegistry(t, engine.Service("Assemble"))
	ex := newTestExecutor(&SimulatedScheduler{}, commandShims("Trim"))

	res, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, "no shim registered for service Assemble", res.Failures["Assemble"])
}

func TestExecutor_UserInputErrors(t *testing.T) {
	reg := testRegistry(t, engine.Service("Trim"))
	shims := map[string]Shim{
		"Trim": &CommandShim{Service: "Trim", Spec: JobSpec{Program: "trim", Args: []string{"--adapters", "${adapters}"}}},
	}

	ex := newTestExecutor(&SimulatedScheduler{}, shims)
	res, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, "missing user input: adapters", res.Failures["Trim"])

	bb := blackboard.New()
	blackboard.PutUserInput(bb, "adapters", "nextera")
	ex = newTestExecutor(&SimulatedScheduler{}, shims, WithBlackboard(bb))
	res, err = ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)

	spec, ok := blackboard.JobSpec(bb, "Trim", "trim")
	require.True(t, ok)
	assert.Equal(t, []string{"--adapters", "nextera"}, spec.(map[string]any)["args"])
}

func TestExecutor_Observer(t *testing.T) {
	reg := testRegistry(t, engine.Service("Trim"))

	var mu sync.Mutex
	var seen []engine.Transition
	ex := newTestExecutor(&SimulatedScheduler{}, commandShims("Trim"), WithObserver(func(tr engine.Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	}))

	_, err := ex.Run(context.Background(), reg, request("out"))
	require.NoError(t, err)

	var trim []engine.State
	for _, tr := range seen {
		if tr.ID == engine.Service("Trim") {
			trim = append(trim, tr.To)
		}
	}
	assert.Equal(t, []engine.State{engine.StateRunnable, engine.StateStarted, engine.StateCompleted}, trim)
}

// blockingScheduler submits jobs that never finish.
type blockingScheduler struct {
	scheduled chan struct{}
	once      sync.Once
}

func (s *blockingScheduler) Schedule(_ context.Context, name string, _ JobSpec, group string) (Job, error) {
	s.once.Do(func() { close(s.scheduled) })
	return newJob(name, group, ""), nil
}

func TestExecutor_Cancellation(t *testing.T) {
	reg := testRegistry(t, engine.Service("Trim"))
	sched := &blockingScheduler{scheduled: make(chan struct{})}
	ex := newTestExecutor(sched, commandShims("Trim"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sched.scheduled
		cancel()
	}()

	res, err := ex.Run(ctx, reg, request("out"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, "cancelled", res.Failures["Trim"])
	assert.Equal(t, engine.StateFailed, res.States[engine.Service("Trim")])
}

func TestExecutor_InvalidRequest(t *testing.T) {
	reg := testRegistry(t, engine.Service("Trim"))
	ex := newTestExecutor(&SimulatedScheduler{}, commandShims("Trim"))

	_, err := ex.Run(context.Background(), reg, engine.Request{
		Targets: []engine.ID{engine.UserTarget("nope")},
	})
	require.Error(t, err)
	assert.True(t, engine.IsUnknownEntity(err))
}

func TestCommandShim_Outputs(t *testing.T) {
	shim := &CommandShim{
		Service: "Assemble",
		Group:   "Assembly",
		Spec:    JobSpec{Program: "skesa"},
		Outputs: []string{"contigs.fna"},
	}

	t.Run("produced", func(t *testing.T) {
		root := t.TempDir()
		bb := blackboard.New()
		sched := &SimulatedScheduler{Root: root, Produce: func(_ JobSpec, dir string) error {
			return os.WriteFile(filepath.Join(dir, "contigs.fna"), []byte(">c1\nACGT\n"), 0o644)
		}}

		x := shim.Execute(context.Background(), "assemble", bb, sched)
		require.Equal(t, ExecStarted, x.State())
		<-x.Job().Done()
		x.CollectOutput()

		assert.Equal(t, ExecDone, x.State())
		res, ok := blackboard.Results(bb, "Assemble", "assemble")
		require.True(t, ok)
		assert.Equal(t, filepath.Join(root, "Assembly", "assemble", "contigs.fna"), res["contigs.fna"])
	})

	t.Run("missing", func(t *testing.T) {
		root := t.TempDir()
		x := shim.Execute(context.Background(), "assemble", blackboard.New(), &SimulatedScheduler{Root: root})
		x.CollectOutput()

		assert.Equal(t, ExecFailed, x.State())
		assert.Equal(t, "backend job produced no output, check: "+filepath.Join(root, "Assembly", "assemble"), x.Error())
	})
}

func TestExpandArgs(t *testing.T) {
	bb := blackboard.New()
	blackboard.PutUserInput(bb, "kf_s", "bacteria")
	blackboard.PutDBPath(bb, "kmerfinder", "/db/kmerfinder")
	blackboard.PutClosestReferencePath(bb, "/w/NC_1.fna")

	args, err := expandArgs([]string{"-db", "${db:kmerfinder}/${kf_s}", "-r", "${reference}", "plain"}, bb)
	require.NoError(t, err)
	assert.Equal(t, []string{"-db", "/db/kmerfinder/bacteria", "-r", "/w/NC_1.fna", "plain"}, args)

	_, err = expandArgs([]string{"${db:resfinder}"}, bb)
	require.Error(t, err)
	assert.True(t, IsUserError(err))
}

func TestExpandArgs_Species(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		detected []string
		want     string
		wantErr  string
	}{
		{name: "detected", detected: []string{"Escherichia coli", "Shigella flexneri"}, want: "Escherichia coli"},
		{name: "user specified", user: "Salmonella enterica", detected: []string{"Escherichia coli"}, want: "Salmonella enterica"},
		{name: "unknown", wantErr: "no species was specified or detected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bb := blackboard.New()
			if tt.user != "" {
				blackboard.PutUserInput(bb, "species", tt.user)
			}
			blackboard.AddDetectedSpecies(bb, tt.detected...)

			args, err := expandArgs([]string{"-s", "${species}"}, bb)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsUserError(err))
				assert.Equal(t, tt.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"-s", tt.want}, args)
		})
	}
}

func TestCommandShim_Parse(t *testing.T) {
	shim := &CommandShim{
		Service: "KmerFinder",
		Group:   "Species",
		Spec:    JobSpec{Program: "kmerfinder.py"},
		Parse: func(x *Execution, job Job, results map[string]any) error {
			data, err := os.ReadFile(job.FilePath("results.txt"))
			if err != nil {
				return err
			}
			results["species"] = strings.TrimSpace(string(data))
			blackboard.AddDetectedSpecies(x.Blackboard(), results["species"].(string))
			return nil
		},
	}

	t.Run("parsed", func(t *testing.T) {
		bb := blackboard.New()
		sched := &SimulatedScheduler{Root: t.TempDir(), Produce: func(_ JobSpec, dir string) error {
			return os.WriteFile(filepath.Join(dir, "results.txt"), []byte("Escherichia coli\n"), 0o644)
		}}

		x := shim.Execute(context.Background(), "kmerfinder", bb, sched)
		x.CollectOutput()

		require.Equal(t, ExecDone, x.State(), x.Error())
		res, ok := blackboard.Results(bb, "KmerFinder", "kmerfinder")
		require.True(t, ok)
		assert.Equal(t, "Escherichia coli", res["species"])
		assert.Equal(t, []string{"Escherichia coli"}, blackboard.DetectedSpecies(bb))
	})

	t.Run("unreadable", func(t *testing.T) {
		root := t.TempDir()
		x := shim.Execute(context.Background(), "kmerfinder", blackboard.New(), &SimulatedScheduler{Root: root})
		x.CollectOutput()

		assert.Equal(t, ExecFailed, x.State())
		assert.Contains(t, x.Error(), "failed to read backend output: ")
		assert.Contains(t, x.Error(), "check: "+filepath.Join(root, "Species", "kmerfinder"))
	})
}

func TestExecution_Lifecycle(t *testing.T) {
	x := NewExecution("Quast", "quast", blackboard.New(), &SimulatedScheduler{})
	assert.Equal(t, ExecCreated, x.State())

	err := x.Start(context.Background(), "quast", "Metrics", JobSpec{}, nil)
	require.Error(t, err, "program is required")
	assert.Equal(t, ExecCreated, x.State())

	require.NoError(t, x.Start(context.Background(), "quast", "Metrics", JobSpec{Program: "quast.py"}, nil))
	assert.Equal(t, ExecStarted, x.State())
	x.CollectOutput()
	assert.Equal(t, ExecDone, x.State())

	// Finished executions ignore further failures.
	x.Fail("too late")
	assert.Equal(t, ExecDone, x.State())
	assert.Empty(t, x.Error())
}

func TestGuard(t *testing.T) {
	tests := []struct {
		name string
		fn   func() error
		want string
	}{
		{name: "user error", fn: func() error { return NewUserError("no closest reference was found") }, want: "no closest reference was found"},
		{name: "other error", fn: func() error { return errors.New("disk on fire") }, want: "disk on fire"},
		{name: "panic", fn: func() error { panic("boom") }, want: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewExecution("S", "s", blackboard.New(), &SimulatedScheduler{})
			Guard(x, tt.fn)
			assert.Equal(t, ExecFailed, x.State())
			assert.Equal(t, tt.want, x.Error())
		})
	}
}

func TestJobSpec_Validate(t *testing.T) {
	assert.NoError(t, JobSpec{Program: "kma"}.Validate())
	assert.Error(t, JobSpec{}.Validate())
	assert.Error(t, JobSpec{Program: "kma", CPU: -1}.Validate())
	assert.Equal(t, "kma-retrieve --out-file x.fna", JobSpec{Program: "kma-retrieve", Args: []string{"--out-file", "x.fna"}}.CommandLine())
}
