// Package policy admits or rejects workflow run requests using Open Policy
// Agent (OPA) Rego policies.
//
// Every policy is a Rego module defining a deny set. Members are either plain
// messages or objects:
//
//	deny contains violation if {
//		some name in input.targets
//		name in input.excluded
//		violation := {"message": sprintf("%s is both requested and excluded", [name]), "severity": "error"}
//	}
//
// The input document carries the workflow name, the requested targets, the
// provided params, the excluded names and every service the workflow
// declares. Error-severity violations reject the run; anything else is a
// warning.
//
// # Built-in Policies
//
//   - request-conflict: a name cannot be both requested and excluded
//   - exclude-all: excluding every service is refused
//   - missing-inputs: warns when no params are given
//
// # Custom Policies
//
// Extra policies load from .rego files (named after the file, default
// severity warning unless a "# severity: error" line says otherwise) or .json
// files holding a Policy. Engine.Watch reloads them when files change:
//
//	engine, err := policy.NewEngine(logger)
//	if err := engine.Watch(ctx, []string{"/etc/bapflow/policies"}); err != nil {
//	    return err
//	}
//	result, err := engine.Admit(ctx, &policy.Input{Targets: targets, Params: params})
package policy
