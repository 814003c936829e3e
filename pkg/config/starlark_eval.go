package config

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"

	"github.com/kcri/bapflow/pkg/engine"
)

// StarlarkEvaluator executes Starlark workflow scripts. Scripts declare
// entities with declare_param, declare_checkpoint, declare_service and
// declare_target; each returns a reference usable in later expressions:
//
//	workflow("assembly")
//	reads = declare_param("reads")
//	skesa = declare_service("SKESA", depends=reads,
//	    job=job("skesa", args=["--reads", "${reads}"], outputs=["contigs.fna"]))
//	declare_target("assembly", depends=skesa)
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// starlarkWorkflow accumulates declarations while a script runs.
type starlarkWorkflow struct {
	name     string
	entities []engine.Entity
	jobs     map[string]JobConfig
}

// jobValue is the result of job(...).
type jobValue struct {
	cfg JobConfig
}

func (v jobValue) String() string        { return fmt.Sprintf("job(%q)", v.cfg.Program) }
func (v jobValue) Type() string          { return "job" }
func (v jobValue) Freeze()               {}
func (v jobValue) Truth() starlark.Bool  { return starlark.True }
func (v jobValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: job") }

// Evaluate runs the script named filename and returns the workflow it declares.
// The script is cancelled when ctx is done or the evaluator's timeout passes.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename string, script []byte) (*Workflow, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "workflow",
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", filename).Msg(msg)
		},
	}

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
	})
	defer stop()

	wf := &starlarkWorkflow{jobs: make(map[string]JobConfig)}

	predeclared := exprBuiltins()
	predeclared["workflow"] = starlark.NewBuiltin("workflow", wf.builtinWorkflow)
	predeclared["job"] = starlark.NewBuiltin("job", builtinJob)
	predeclared["declare_param"] = starlark.NewBuiltin("declare_param", wf.declare(engine.Param))
	predeclared["declare_checkpoint"] = starlark.NewBuiltin("declare_checkpoint", wf.declare(engine.Checkpoint))
	predeclared["declare_service"] = starlark.NewBuiltin("declare_service", wf.declare(engine.Service))
	predeclared["declare_target"] = starlark.NewBuiltin("declare_target", wf.declare(engine.UserTarget))

	if _, err := starlark.ExecFile(thread, filename, script, predeclared); err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	if wf.name == "" {
		return nil, fmt.Errorf("%s: workflow() was never called", filename)
	}

	return &Workflow{
		Name:     wf.name,
		Source:   filename,
		Entities: wf.entities,
		Jobs:     wf.jobs,
	}, nil
}

func (wf *starlarkWorkflow) builtinWorkflow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, description string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "description?", &description); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%s: empty name", b.Name())
	}
	wf.name = name
	return starlark.None, nil
}

func (wf *starlarkWorkflow) declare(id func(string) engine.ID) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			name        string
			depends     starlark.Value = starlark.None
			description string
			jv          starlark.Value = starlark.None
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"name", &name, "depends?", &depends, "description?", &description, "job?", &jv); err != nil {
			return nil, err
		}

		ent := engine.Entity{ID: id(name), Description: description}
		if depends != starlark.None {
			e, err := toExpr(depends)
			if err != nil {
				return nil, fmt.Errorf("%s(%q): depends: %w", b.Name(), name, err)
			}
			ent.Depends = e
		}
		if jv != starlark.None {
			j, ok := jv.(jobValue)
			if !ok {
				return nil, fmt.Errorf("%s(%q): job: got %s, want job", b.Name(), name, jv.Type())
			}
			if ent.ID.Kind != engine.KindService {
				return nil, fmt.Errorf("%s(%q): only services run jobs", b.Name(), name)
			}
			wf.jobs[name] = j.cfg
		}

		wf.entities = append(wf.entities, ent)
		return exprValue{expr: ent.ID}, nil
	}
}

func builtinJob(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		cfg           JobConfig
		argv, outputs *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"program", &cfg.Program,
		"args?", &argv,
		"group?", &cfg.Group,
		"cpu?", &cfg.CPU,
		"memory_gb?", &cfg.MemoryGB,
		"disk_gb?", &cfg.DiskGB,
		"time?", &cfg.Time,
		"outputs?", &outputs,
	); err != nil {
		return nil, err
	}

	var err error
	if cfg.Args, err = stringList(argv); err != nil {
		return nil, fmt.Errorf("%s: args: %w", b.Name(), err)
	}
	if cfg.Outputs, err = stringList(outputs); err != nil {
		return nil, fmt.Errorf("%s: outputs: %w", b.Name(), err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return jobValue{cfg: cfg}, nil
}

func stringList(l *starlark.List) ([]string, error) {
	if l == nil {
		return nil, nil
	}
	out := make([]string, l.Len())
	for i := 0; i < l.Len(); i++ {
		s, ok := starlark.AsString(l.Index(i))
		if !ok {
			return nil, fmt.Errorf("item %d: got %s, want string", i, l.Index(i).Type())
		}
		out[i] = s
	}
	return out, nil
}
