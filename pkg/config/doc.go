// Package config loads workflow definitions and application settings for
// bapflow.
//
// # Workflow Definitions
//
// A workflow declares params, checkpoints, services and user targets. Three
// formats are accepted, chosen by file extension:
//
//   - .yaml / .yml: a document checked against the built-in CUE schema
//   - .cue: a file or package directory unified with #Workflow
//   - .star: a Starlark script calling declare_param, declare_service, ...
//
// Dependency expressions use the same call syntax everywhere:
//
//	ALL(OPT(service("Quast")), ONE(param("reads"), param("contigs")))
//
// In YAML and CUE they are strings and are parsed by ParseExpr; in Starlark
// they are ordinary values that can be bound to variables.
//
// # Usage Example
//
//	wf, err := config.LoadWorkflow(ctx, "assembly.yaml")
//	if err != nil {
//	    return err
//	}
//	reg, err := wf.Registry()
//	shims, err := wf.Shims()
//
// # Settings
//
// Settings are read with viper from an optional file and BAPFLOW_*
// environment variables, then validated:
//
//	v, err := config.NewViper(cfgFile)
//	settings, err := config.LoadSettings(v)
//	tel, err := telemetry.NewTelemetry(settings.Telemetry(version))
package config
