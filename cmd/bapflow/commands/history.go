package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/stores"
)

// runDetail is the full journal record of one run.
type runDetail struct {
	Run         *stores.Run          `json:"run"`
	Transitions []*stores.Transition `json:"transitions"`
	Executions  []*stores.Execution  `json:"executions"`
	Results     []*stores.Results    `json:"results"`
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		journal    string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded in the journal, most recent first. Given a run ID,
show that run's state transitions, service executions and published results.`,
		Example: `  # Recent runs
  bapflow history --journal runs.db

  # One run in detail
  bapflow history --journal runs.db 3f2b7c1e-9d4a-4b8e-a1f0-6c5d2e7b9a10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("journal") {
				journal = a.settings.Journal.Path
			}
			if journal == "" {
				return fmt.Errorf("no journal configured; pass --journal or set journal.path")
			}

			ctx := cmd.Context()
			store, err := openJournal(ctx, journal)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, runs)
				}
				printRuns(w, runs)
				return nil
			}

			d := &runDetail{}
			if d.Run, err = store.GetRun(ctx, args[0]); err != nil {
				return err
			}
			if d.Transitions, err = store.ListTransitions(ctx, args[0]); err != nil {
				return err
			}
			if d.Executions, err = store.ListExecutions(ctx, args[0]); err != nil {
				return err
			}
			if d.Results, err = store.ListResults(ctx, args[0]); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(w, d)
			}
			printRunDetail(w, d)
			return nil
		},
	}

	cmd.Flags().StringVar(&journal, "journal", "", "SQLite journal to read")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-9s  %s  %-10s  %s\n",
			r.ID, r.Status, r.StartedAt.Local().Format(time.DateTime), r.Workflow, strings.Join(r.Targets, ","))
	}
}

func printRunDetail(w io.Writer, d *runDetail) {
	r := d.Run
	fmt.Fprintf(w, "Run %s (%s)\n", r.ID, r.Workflow)
	fmt.Fprintf(w, "  Status  : %s\n", r.Status)
	if r.Error != nil {
		fmt.Fprintf(w, "  Error   : %s\n", *r.Error)
	}
	fmt.Fprintf(w, "  Targets : %s\n", strings.Join(r.Targets, ", "))
	fmt.Fprintf(w, "  Params  : %s\n", strings.Join(r.Params, ", "))
	if len(r.Excluded) > 0 {
		fmt.Fprintf(w, "  Excluded: %s\n", strings.Join(r.Excluded, ", "))
	}
	fmt.Fprintf(w, "  Started : %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", r.CompletedAt.Local().Format(time.DateTime))
	}

	if len(d.Executions) > 0 {
		fmt.Fprintln(w, "\nExecutions:")
		for _, x := range d.Executions {
			line := fmt.Sprintf("  %-16s %-9s %s", x.Service, x.Status, x.Job)
			if x.Reason != nil {
				line += ": " + *x.Reason
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(d.Transitions) > 0 {
		fmt.Fprintln(w, "\nTransitions:")
		for _, t := range d.Transitions {
			fmt.Fprintf(w, "  %s  %-28s %s -> %s (%s)\n",
				t.At.Local().Format(time.TimeOnly), t.Entity, t.From, t.To, t.Cause)
		}
	}

	if len(d.Results) > 0 {
		fmt.Fprintln(w, "\nResults:")
		for _, res := range d.Results {
			fmt.Fprintf(w, "  %s: %d values\n", res.Service, len(res.Data))
		}
	}
}
