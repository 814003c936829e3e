package executor

import (
	"context"
	"os"
	"strings"

	"github.com/kcri/bapflow/pkg/blackboard"
)

// CommandShim runs a service as one templated command. Arguments may reference
// ${name} for a user input, ${db:name} for a database path, ${reference} for
// the closest reference path and ${species} for the user-specified or detected
// species. Missing references are input errors.
type CommandShim struct {
	Service string
	Group   string
	Spec    JobSpec

	// Outputs are files the job must leave in its directory. They are
	// published in the results by name.
	Outputs []string

	// Parse, if set, reads the job's output once Outputs are checked. It may
	// add to results and publish findings on the execution's blackboard. An
	// error fails the execution.
	Parse func(x *Execution, job Job, results map[string]any) error
}

// Execute expands the template, submits the job and returns the execution.
func (s *CommandShim) Execute(ctx context.Context, ident string, bb blackboard.Blackboard, sched Scheduler) *Execution {
	x := NewExecution(s.Service, ident, bb, sched)

	Guard(x, func() error {
		spec := s.Spec
		args, err := expandArgs(spec.Args, bb)
		if err != nil {
			return err
		}
		spec.Args = args

		group := s.Group
		if group == "" {
			group = s.Service
		}
		return x.Start(ctx, ident, group, spec, s.collect)
	})

	return x
}

func (s *CommandShim) collect(x *Execution, job Job) {
	results := map[string]any{"job_dir": job.FilePath("")}
	for _, out := range s.Outputs {
		path := job.FilePath(out)
		if _, err := os.Stat(path); err != nil {
			x.Fail("backend job produced no output, check: %s", job.FilePath(""))
			return
		}
		results[out] = path
	}
	if s.Parse != nil {
		if err := s.Parse(x, job, results); err != nil {
			x.Fail("failed to read backend output: %v, check: %s", err, job.FilePath(""))
			return
		}
	}
	x.StoreResults(results)
}

func expandArgs(args []string, bb blackboard.Blackboard) ([]string, error) {
	var missing *UserError
	lookup := func(key string) string {
		var (
			value string
			err   error
		)
		switch {
		case strings.HasPrefix(key, "db:"):
			value, err = blackboard.DBPath(bb, strings.TrimPrefix(key, "db:"))
		case key == "species":
			var ok bool
			if value, ok = blackboard.Species(bb); !ok {
				err = NewUserError("no species was specified or detected")
			}
		case key == "reference":
			var ok bool
			if value, ok = blackboard.ClosestReferencePath(bb); !ok {
				err = NewUserError("no reference sequence is available")
			}
		default:
			if value = blackboard.UserInput(bb, key, ""); value == "" {
				err = NewUserError("missing user input: %s", key)
			}
		}
		if err != nil && missing == nil {
			missing = NewUserError("%s", err.Error())
		}
		return value
	}

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = os.Expand(a, lookup)
	}
	if missing != nil {
		return nil, missing
	}
	return out, nil
}
