package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/policy"
)

const consoleHelp = "Commands (may be abbreviated): runnable, started [SVC], completed [SVC], failed [SVC], quit"

func newDryRunCommand(a *app) *cobra.Command {
	var (
		params   []string
		excluded []string
		list     bool
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "dryrun [TARGET...]",
		Short: "Step through the workflow logic interactively",
		Long: `Step through the workflow logic without running anything.

The console reads one command per line and reports the affected services:
  runnable           list the services that may be started
  started [SVC]      mark SVC started, then list started services
  completed [SVC]    mark SVC completed, then list completed services
  failed [SVC]       mark SVC failed, then list failed services
  quit               stop and print the final status

Commands may be abbreviated to their first letter. Targets default to DEFAULT.`,
		Example: `  # Which services run for an assembly from Illumina reads?
  bapflow dryrun -p reads,illumina assembly

  # Species typing from contigs, without KmerFinder
  bapflow dryrun -p contigs -x KmerFinder species

  # List params, targets and services
  bapflow dryrun --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := a.loadWorkflow(cmd.Context())
			if err != nil {
				return err
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			if list {
				printNames(out, "Params  : ", wf.reg.Names(engine.KindParam))
				printNames(out, "Targets : ", wf.reg.Names(engine.KindUserTarget))
				printNames(out, "Services: ", wf.reg.Names(engine.KindService))
				return nil
			}

			req, err := parseRequest(wf.reg, params, args, excluded)
			if err != nil {
				fmt.Fprintf(errOut, "Error: you specified an invalid target name: %s\n", err)
				return &ExitError{Code: 1}
			}

			if err := a.admit(cmd, wf, req); err != nil {
				fmt.Fprintf(errOut, "Error: %s\n", err)
				return &ExitError{Code: 1}
			}

			var opts []engine.Option
			if verbose {
				logger := zerolog.New(zerolog.ConsoleWriter{Out: errOut}).With().Timestamp().Logger()
				opts = append(opts, engine.WithObserver(func(t engine.Transition) {
					logger.Info().
						Str("entity", t.ID.String()).
						Str("from", string(t.From)).
						Str("to", string(t.To)).
						Str("cause", t.Cause).
						Msg("transition")
				}))
			}

			c, err := engine.NewController(wf.reg, req, opts...)
			if err != nil {
				fmt.Fprintf(errOut, "Error: %s\n", err)
				return &ExitError{Code: 1}
			}

			s := &session{c: c, reg: wf.reg, out: out}
			s.run(cmd.InOrStdin())
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "set PARAM (option may repeat, or be comma-separated)")
	cmd.Flags().StringArrayVarP(&excluded, "exclude", "x", nil, "exclude service or user target (option may repeat, or be comma-separated)")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list the available params, targets and services")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every state transition")

	return cmd
}

// admit runs the admission policies against a dry-run request.
func (a *app) admit(cmd *cobra.Command, wf *workflow, req engine.Request) error {
	logger := log.With().Str("component", "policy").Logger()
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if a.settings != nil && a.settings.Policies.Dir != "" {
		if err := eng.LoadPolicies(cmd.Context(), []string{a.settings.Policies.Dir}); err != nil {
			return err
		}
	}
	_, err = eng.Admit(cmd.Context(), admissionInput(wf, req, true))
	return err
}

// session is the state of one interactive dry run. Every command handler
// receives it explicitly.
type session struct {
	c   *engine.Controller
	reg *engine.Registry
	out io.Writer
}

// consoleCommand handles one console command. svc is the optional service
// named after the command.
type consoleCommand func(s *session, svc *engine.ID)

// consoleCommands are keyed by their first letter.
var consoleCommands = map[byte]consoleCommand{
	'r': func(s *session, _ *engine.ID) {
		s.printList(s.c.Runnable)
	},
	's': func(s *session, svc *engine.ID) {
		s.mark(svc, s.c.MarkStarted)
		s.printList(s.c.Started)
	},
	'c': func(s *session, svc *engine.ID) {
		s.mark(svc, s.c.MarkCompleted)
		s.printList(s.c.Completed)
	},
	'f': func(s *session, svc *engine.ID) {
		s.mark(svc, s.c.MarkFailed)
		s.printList(s.c.Failed)
	},
}

// run reads commands from in until quit or end of input, then prints the
// final report. A workflow that is terminal from the start is reported
// without reading any input.
func (s *session) run(in io.Reader) {
	switch s.c.Status() {
	case engine.StatusFailed:
		fmt.Fprintln(s.out, "The workflow failed immediately; did you forget to specify params?")
		return
	case engine.StatusCompleted:
		fmt.Fprintln(s.out, "The workflow completed immediately; did you forget to specify targets?")
		return
	}

	fmt.Fprintf(s.out, "Workflow ready to rock; %d services are runnable (type 'r' to see).\n", len(s.services(s.c.Runnable)))
	fmt.Fprint(s.out, "? ")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !s.handle(scanner.Text()) {
			break
		}
		s.prompt()
	}

	s.report()
}

// handle executes one input line. It returns false on quit.
func (s *session) handle(line string) bool {
	fields := strings.Fields(line)

	var verb string
	if len(fields) > 0 {
		verb = fields[0]
	}

	var svc *engine.ID
	if len(fields) > 1 {
		id, err := s.reg.Parse(engine.KindService, fields[1])
		if err != nil {
			fmt.Fprintf(s.out, "Not a valid service name: %s\n", fields[1])
			return true
		}
		svc = &id
	}

	if verb == "" {
		fmt.Fprintln(s.out, consoleHelp)
		return true
	}
	if verb[0] == 'q' {
		return false
	}
	if handler, ok := consoleCommands[verb[0]]; ok {
		handler(s, svc)
		return true
	}

	fmt.Fprintln(s.out, consoleHelp)
	return true
}

// mark applies a transition to svc when one was named.
func (s *session) mark(svc *engine.ID, fn func(engine.ID) error) {
	if svc == nil {
		return
	}
	if err := fn(*svc); err != nil {
		fmt.Fprintf(s.out, "Error: %s\n", err)
	}
}

func (s *session) prompt() {
	fmt.Fprintf(s.out, "\n[ %s | Runnable:%d Started:%d Completed:%d Failed:%d ] ? ",
		s.c.Status(),
		len(s.services(s.c.Runnable)), len(s.services(s.c.Started)),
		len(s.services(s.c.Completed)), len(s.services(s.c.Failed)))
}

// services returns the names of the services in the list produced by fn. The
// console reports services only; checkpoints and targets resolve on their own.
func (s *session) services(fn func() []engine.ID) []string {
	var out []string
	for _, id := range fn() {
		if id.Kind == engine.KindService {
			out = append(out, id.Name)
		}
	}
	return out
}

func (s *session) printList(fn func() []engine.ID) {
	fmt.Fprintln(s.out, strings.Join(s.services(fn), ", "))
}

// report prints the final status and every non-empty list.
func (s *session) report() {
	fmt.Fprintf(s.out, "\nWorkflow status: %s\n", s.c.Status())
	for _, section := range []struct {
		label string
		list  func() []engine.ID
	}{
		{"- Completed : ", s.c.Completed},
		{"- Failed    : ", s.c.Failed},
		{"- Started   : ", s.c.Started},
		{"- Runnable  : ", s.c.Runnable},
	} {
		if svcs := s.services(section.list); len(svcs) > 0 {
			printNames(s.out, section.label, svcs)
		}
	}
	fmt.Fprintln(s.out)
}

func printNames(w io.Writer, label string, list []string) {
	fmt.Fprintf(w, "%s%s\n", label, strings.Join(list, ", "))
}
