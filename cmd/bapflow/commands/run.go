package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/bap"
	"github.com/kcri/bapflow/pkg/blackboard"
	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/executor"
	"github.com/kcri/bapflow/pkg/policy"
	"github.com/kcri/bapflow/pkg/stores"
	"github.com/kcri/bapflow/pkg/telemetry"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		params     []string
		excluded   []string
		inputs     []string
		workers    int
		workDir    string
		dbRoot     string
		journal    string
		simulate   bool
		failing    []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run [TARGET...]",
		Short: "Run the workflow",
		Long: `Run the workflow until every requested target is resolved.

Runnable services are started as jobs, at most --workers at a time. Each job
runs in its own directory below the work directory. Services read their inputs
from the user inputs given with --input and find their databases below
--db-root.

With --simulate no program is started and every job completes at once,
except those of the programs named with --fail.`,
		Example: `  # Assemble Illumina reads
  bapflow run -p reads,illumina -i inputs=sample_R1.fq,sample_R2.fq assembly

  # Simulate the default analyses on contigs, journaling the run
  bapflow run --simulate --journal runs.db -p contigs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.settings
			flags := cmd.Flags()
			if !flags.Changed("workers") {
				workers = s.Run.Workers
			}
			if !flags.Changed("work-dir") {
				workDir = s.Run.WorkDir
			}
			if !flags.Changed("db-root") {
				dbRoot = s.Run.DBRoot
			}
			if !flags.Changed("journal") {
				journal = s.Journal.Path
			}

			tel, err := telemetry.NewTelemetry(s.Telemetry(a.version))
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			ctx := tel.WithContext(cmd.Context())
			if err := tel.StartMetricsServer(ctx); err != nil {
				return err
			}

			wf, err := a.loadWorkflow(ctx)
			if err != nil {
				return err
			}

			req, err := parseRequest(wf.reg, params, args, excluded)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: you specified an invalid target name: %s\n", err)
				return &ExitError{Code: 1}
			}

			if err := admitRun(ctx, a.settings.Policies.Dir, wf, req, tel); err != nil {
				return err
			}

			var recorder *stores.Recorder
			if journal != "" {
				store, err := openJournal(ctx, journal)
				if err != nil {
					return err
				}
				defer store.Close()
				recorder = stores.NewRecorder(store, wf.name)
				recorder.Attach(tel.Events)
			}

			bb := blackboard.New()
			for _, input := range inputs {
				name, value, ok := strings.Cut(input, "=")
				if !ok || name == "" {
					return fmt.Errorf("invalid input %q, want NAME=VALUE", input)
				}
				blackboard.PutUserInput(bb, name, value)
			}
			for _, db := range bap.Databases {
				blackboard.PutDBPath(bb, db, filepath.Join(dbRoot, db))
			}

			var sched executor.Scheduler
			if simulate {
				fail := make(map[string]bool)
				for _, program := range splitNames(failing) {
					fail[program] = true
				}
				sched = &executor.SimulatedScheduler{Root: workDir, Fail: fail, Produce: wf.produce}
			} else {
				sched = executor.NewLocalScheduler(workDir)
			}

			ex := executor.New(sched, wf.shims,
				executor.WithWorkers(workers),
				executor.WithBlackboard(bb),
			)

			res, runErr := ex.Run(ctx, wf.reg, req)
			if res == nil {
				return runErr
			}

			// Events are delivered before Shutdown returns; flush them so the
			// journal holds the complete run before reporting on it.
			if err := tel.Events.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Event delivery incomplete")
			}
			if recorder != nil {
				if err := recorder.Err(); err != nil {
					log.Warn().Err(err).Msg("Run journal is incomplete")
				}
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printRunResult(cmd.OutOrStdout(), res)
			}

			if runErr != nil {
				return runErr
			}
			if res.Status == engine.StatusFailed {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "set PARAM (option may repeat, or be comma-separated)")
	cmd.Flags().StringArrayVarP(&excluded, "exclude", "x", nil, "exclude service or user target (option may repeat, or be comma-separated)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "user input NAME=VALUE passed to the services (option may repeat)")
	cmd.Flags().IntVar(&workers, "workers", executor.DefaultWorkers, "maximum number of concurrent service executions")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory that holds the job directories")
	cmd.Flags().StringVar(&dbRoot, "db-root", "", "directory that holds the service databases")
	cmd.Flags().StringVar(&journal, "journal", "", "record the run in this SQLite journal")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "complete jobs without running their programs")
	cmd.Flags().StringArrayVar(&failing, "fail", nil, "with --simulate, fail the jobs of PROGRAM (option may repeat)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the run result as JSON")

	return cmd
}

// admitRun evaluates the admission policies and publishes their violations.
func admitRun(ctx context.Context, dir string, wf *workflow, req engine.Request, tel *telemetry.Telemetry) error {
	eng, err := policy.NewEngine(log.With().Str("component", "policy").Logger())
	if err != nil {
		return err
	}
	if dir != "" {
		if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
			return err
		}
	}

	result, err := eng.Admit(ctx, admissionInput(wf, req, false))
	if result != nil {
		for _, v := range append(result.Violations, result.Warnings...) {
			_ = tel.Events.PublishPolicyViolation(v.Policy, string(v.Severity), v.Message)
		}
	}
	return err
}

// openJournal opens and migrates the SQLite journal at path.
func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printRunResult(w io.Writer, res *executor.RunResult) {
	fmt.Fprintf(w, "Run %s: %s (%s)\n", res.RunID, res.Status, res.Duration.Round(time.Millisecond))
	if len(res.Completed) > 0 {
		printNames(w, "- Completed : ", names(res.Completed))
	}
	if len(res.Skipped) > 0 {
		printNames(w, "- Skipped   : ", names(res.Skipped))
	}
	if len(res.Failed) > 0 {
		printNames(w, "- Failed    : ", names(res.Failed))
	}

	services := make([]string, 0, len(res.Failures))
	for name := range res.Failures {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		fmt.Fprintf(w, "  %s: %s\n", name, strings.TrimSpace(res.Failures[name]))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
