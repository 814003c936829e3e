package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/config"
)

// ExitError ends the command with an exit code after its message has already
// been reported.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// app carries what every subcommand shares: build information and the
// settings loaded before the subcommand runs.
type app struct {
	version    string
	configPath string
	settings   *config.Settings
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{version: version}

	rootCmd := &cobra.Command{
		Use:   "bapflow",
		Short: "bapflow - dependency resolution for analysis pipelines",
		Long: `bapflow resolves which services of a multi-stage analysis pipeline must run,
in which order, to reach the requested targets from the given params.

Features:
  - Dependency expressions built from ALL, ONE, OPT, OIF and SEQ
  - Workflows from the built-in BAP table, YAML, CUE or Starlark
  - Interactive dry runs of the workflow logic
  - Local or simulated job execution with a run journal
  - Admission policies in Rego`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadSettings(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("workflow", "w", "", "workflow file (.yaml, .cue, .star or a CUE directory); defaults to the built-in BAP workflow")

	rootCmd.AddCommand(newDryRunCommand(a))
	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newGraphCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newListCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))

	return rootCmd
}

// loadSettings reads the settings file and environment, lets flags override
// them and applies the logging settings.
func (a *app) loadSettings(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"run.workflow": "workflow",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	settings, err := config.LoadSettings(v)
	if err != nil {
		return err
	}
	a.settings = settings

	level, err := zerolog.ParseLevel(settings.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.Log.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	if settings.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Debug().
		Str("config", a.configPath).
		Str("workflow", settings.Run.Workflow).
		Msg("Settings loaded")
	return nil
}
