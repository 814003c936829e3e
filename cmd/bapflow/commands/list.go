package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/config"
	"github.com/kcri/bapflow/pkg/engine"
)

// entitySummary is the listed form of one entity.
type entitySummary struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Depends     string `json:"depends,omitempty"`
	Description string `json:"description,omitempty"`
}

func newListCommand(a *app) *cobra.Command {
	var (
		kind       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the entities of the workflow",
		Long: `List the params, checkpoints, services and user targets of the workflow in
declaration order, with the dependency expression of each.`,
		Example: `  # List everything
  bapflow list

  # List only services, as JSON
  bapflow list --kind service --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var kinds []engine.Kind
			if kind != "" {
				k, err := engine.ParseKind(kind)
				if err != nil {
					return err
				}
				kinds = append(kinds, k)
			}

			wf, err := a.loadWorkflow(cmd.Context())
			if err != nil {
				return err
			}

			var out []entitySummary
			for _, ent := range wf.reg.Entities(kinds...) {
				s := entitySummary{
					Kind:        ent.ID.Kind.String(),
					Name:        ent.ID.Name,
					Description: ent.Description,
				}
				if ent.Depends != nil {
					s.Depends = config.FormatExpr(ent.Depends)
				}
				out = append(out, s)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := cmd.OutOrStdout()
			for _, s := range out {
				fmt.Fprintf(w, "%-10s %-16s %s\n", s.Kind, s.Name, s.Depends)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only list entities of this kind (param, checkpoint, service, target)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}
