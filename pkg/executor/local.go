package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kcri/bapflow/pkg/telemetry"
)

func joinPath(dir, name string) string {
	return filepath.Join(dir, name)
}

// LocalScheduler runs jobs as local processes, each in its own work directory
// below Root. Standard output and error go to stdout.log and stderr.log there.
type LocalScheduler struct {
	Root string
}

// NewLocalScheduler creates a scheduler rooted at root.
func NewLocalScheduler(root string) *LocalScheduler {
	return &LocalScheduler{Root: root}
}

// Schedule starts the job's program. The job is killed when ctx is done or its
// time ceiling passes.
func (s *LocalScheduler) Schedule(ctx context.Context, name string, spec JobSpec, group string) (Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.Root, group, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr log: %w", err)
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if spec.Time > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, spec.Time)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(jobCtx, spec.Program, spec.Args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	j := newJob(name, group, dir)
	logger := telemetry.FromContext(ctx).NewComponentLogger("scheduler").WithJob(name, group)

	if err := cmd.Start(); err != nil {
		cancel()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Program, err)
	}
	logger.WithFields(map[string]interface{}{
		"command": spec.CommandLine(),
		"dir":     dir,
	}).Debug("job started")

	go func() {
		defer cancel()
		defer stdout.Close()
		defer stderr.Close()

		err := cmd.Wait()
		if err != nil && jobCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("job exceeded its time limit of %s", spec.Time)
		}
		if err != nil {
			logger.WithError(err).Warn("job failed")
		} else {
			logger.Debug("job completed")
		}
		j.finish(err)
	}()

	return j, nil
}

// SimulatedScheduler completes every job immediately without running anything.
// It serves dry runs and tests.
type SimulatedScheduler struct {
	// Root is the directory job directories are resolved against. Job
	// directories are only created when Produce is set.
	Root string

	// Fail names programs whose jobs fail.
	Fail map[string]bool

	// Produce, if set, is called with each job's spec and directory to create
	// the output a real run would leave behind.
	Produce func(spec JobSpec, dir string) error
}

// Schedule records the job and finishes it at once.
func (s *SimulatedScheduler) Schedule(_ context.Context, name string, spec JobSpec, group string) (Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.Root, group, name)
	j := newJob(name, group, dir)

	if s.Fail[spec.Program] {
		j.finish(fmt.Errorf("simulated failure of %s", spec.Program))
		return j, nil
	}

	if s.Produce != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create job directory: %w", err)
		}
		if err := s.Produce(spec, dir); err != nil {
			j.finish(err)
			return j, nil
		}
	}

	j.finish(nil)
	return j, nil
}
