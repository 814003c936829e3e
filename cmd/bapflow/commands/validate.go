package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/config"
	"github.com/kcri/bapflow/pkg/engine"
)

func newValidateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a workflow definition",
		Long: `Validate a workflow definition file.

This command checks:
  - YAML, CUE or Starlark syntax
  - Schema conformance of the definition
  - Dependency expression syntax
  - Declarations, references and cycles of the dependency graph
  - Job templates of the services`,
		Example: `  # Validate a YAML workflow
  bapflow validate workflow.yaml

  # Validate a CUE package directory
  bapflow validate ./workflows/typing

  # Validate the built-in BAP workflow
  bapflow validate`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				a.settings.Run.Workflow = args[0]
			}
			source := a.settings.Run.Workflow
			if source == "" {
				source = builtinWorkflow
			}

			log.Debug().Str("source", source).Msg("Validating workflow")

			wf, err := a.loadWorkflow(cmd.Context())
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, ve := range verrs {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", ve.Error())
					}
					return &ExitError{Code: 1}
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", source, err)
				return &ExitError{Code: 1}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is valid: %d params, %d checkpoints, %d services, %d targets (%d levels)\n",
				wf.name,
				len(wf.reg.Names(engine.KindParam)),
				len(wf.reg.Names(engine.KindCheckpoint)),
				len(wf.reg.Names(engine.KindService)),
				len(wf.reg.Names(engine.KindUserTarget)),
				wf.reg.Graph().Depth())

			for _, name := range wf.reg.Names(engine.KindService) {
				if _, ok := wf.shims[name]; !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "warning: service %s has no job and will fail when run\n", name)
				}
			}
			return nil
		},
	}

	return cmd
}
