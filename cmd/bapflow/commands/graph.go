package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/engine"
)

func newGraphCommand(a *app) *cobra.Command {
	var (
		params   []string
		excluded []string
	)

	cmd := &cobra.Command{
		Use:   "graph [TARGET...]",
		Short: "Print the dependency graph in DOT format",
		Long: `Print the dependency graph of the workflow in Graphviz DOT format.

Nodes are grouped by topological level and colored by kind. When params or
targets are given, nodes are colored by their initial state in a run of that
request instead.`,
		Example: `  # Render the whole graph
  bapflow graph | dot -Tsvg > bap.svg

  # Show the initial state of an assembly run
  bapflow graph -p reads,illumina assembly | dot -Tpng > assembly.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := a.loadWorkflow(cmd.Context())
			if err != nil {
				return err
			}

			var states map[engine.ID]engine.State
			if len(params) > 0 || len(args) > 0 || len(excluded) > 0 {
				req, err := parseRequest(wf.reg, params, args, excluded)
				if err != nil {
					return err
				}
				c, err := engine.NewController(wf.reg, req)
				if err != nil {
					return err
				}
				states = c.Snapshot()
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), wf.reg.Graph().ToDOT(states))
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "set PARAM (option may repeat, or be comma-separated)")
	cmd.Flags().StringArrayVarP(&excluded, "exclude", "x", nil, "exclude service or user target (option may repeat, or be comma-separated)")

	return cmd
}
