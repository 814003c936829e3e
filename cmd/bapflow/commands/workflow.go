package commands

import (
	"context"
	"strings"

	"github.com/kcri/bapflow/pkg/bap"
	"github.com/kcri/bapflow/pkg/config"
	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/executor"
	"github.com/kcri/bapflow/pkg/policy"
)

// builtinWorkflow names the BAP workflow compiled into the binary.
const builtinWorkflow = "bap"

// workflow is a loaded and validated workflow ready to run.
type workflow struct {
	name  string
	reg   *engine.Registry
	shims map[string]executor.Shim

	// produce creates simulated backend output, if the workflow knows how.
	produce func(spec executor.JobSpec, dir string) error
}

// loadWorkflow loads the configured workflow file, or the built-in BAP
// workflow when none is configured.
func (a *app) loadWorkflow(ctx context.Context) (*workflow, error) {
	path := ""
	if a.settings != nil {
		path = a.settings.Run.Workflow
	}
	if path == "" {
		return &workflow{
			name:    builtinWorkflow,
			reg:     bap.Registry(),
			shims:   bap.Shims(),
			produce: bap.SimulateOutput,
		}, nil
	}

	wf, err := config.LoadWorkflow(ctx, path)
	if err != nil {
		return nil, err
	}
	reg, err := wf.Registry()
	if err != nil {
		return nil, err
	}
	shims, err := wf.Shims()
	if err != nil {
		return nil, err
	}
	return &workflow{name: wf.Name, reg: reg, shims: shims}, nil
}

// splitNames flattens repeated, comma-separated option values.
func splitNames(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// defaultTargets are requested when the user names none: the DEFAULT user
// target if the workflow has one, otherwise every user target.
func defaultTargets(reg *engine.Registry) []string {
	if reg.Contains(engine.UserTarget("DEFAULT")) {
		return []string{"DEFAULT"}
	}
	return reg.Names(engine.KindUserTarget)
}

// parseRequest resolves user-supplied names into a run request. Targets are
// matched as user targets first, then services and checkpoints; excluded
// names as user targets, then services.
func parseRequest(reg *engine.Registry, params, targets, excluded []string) (engine.Request, error) {
	var req engine.Request

	for _, name := range splitNames(params) {
		id, err := reg.Parse(engine.KindParam, name)
		if err != nil {
			return engine.Request{}, err
		}
		req.Params = append(req.Params, id)
	}

	names := splitNames(targets)
	if len(names) == 0 {
		names = defaultTargets(reg)
	}
	for _, name := range names {
		id, err := reg.ParseAny(name, engine.KindUserTarget, engine.KindService, engine.KindCheckpoint)
		if err != nil {
			return engine.Request{}, err
		}
		req.Targets = append(req.Targets, id)
	}

	for _, name := range splitNames(excluded) {
		id, err := reg.ParseAny(name, engine.KindUserTarget, engine.KindService)
		if err != nil {
			return engine.Request{}, err
		}
		req.Excluded = append(req.Excluded, id)
	}

	return req, nil
}

// admissionInput describes a request to the admission policies.
func admissionInput(wf *workflow, req engine.Request, dryRun bool) *policy.Input {
	return &policy.Input{
		Workflow: wf.name,
		Targets:  names(req.Targets),
		Params:   names(req.Params),
		Excluded: names(req.Excluded),
		Services: wf.reg.Names(engine.KindService),
		DryRun:   dryRun,
	}
}

// names returns the unqualified names of ids.
func names(ids []engine.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Name)
	}
	return out
}
