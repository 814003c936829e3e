package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// JobSpec describes one backend job: the program to run and its resource
// ceilings. Only the wall-clock ceiling is enforced by the local scheduler.
type JobSpec struct {
	Program  string        `json:"program" yaml:"program" validate:"required"`
	Args     []string      `json:"args,omitempty" yaml:"args,omitempty"`
	CPU      int           `json:"cpu" yaml:"cpu" validate:"gte=0"`
	MemoryGB int           `json:"memory_gb" yaml:"memory_gb" validate:"gte=0"`
	DiskGB   int           `json:"disk_gb" yaml:"disk_gb" validate:"gte=0"`
	Time     time.Duration `json:"time" yaml:"time" validate:"gte=0"`
}

// Validate checks the spec's field constraints.
func (s JobSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid job spec for %q: %w", s.Program, err)
	}
	return nil
}

// CommandLine renders the program and arguments as a single line for logs.
func (s JobSpec) CommandLine() string {
	return strings.TrimSpace(s.Program + " " + strings.Join(s.Args, " "))
}

// AsMap returns the spec as a JSON-friendly map for the blackboard.
func (s JobSpec) AsMap() map[string]any {
	return map[string]any{
		"program":   s.Program,
		"args":      append([]string(nil), s.Args...),
		"cpu":       s.CPU,
		"memory_gb": s.MemoryGB,
		"disk_gb":   s.DiskGB,
		"time":      s.Time.String(),
	}
}

// Job is a submitted backend job.
type Job interface {
	// Name is the job name given at submission.
	Name() string

	// Group is the job group given at submission.
	Group() string

	// Done is closed when the job has finished, successfully or not.
	Done() <-chan struct{}

	// Err reports why the job failed. It is only meaningful after Done.
	Err() error

	// FilePath resolves name inside the job's work directory. FilePath("")
	// returns the directory itself.
	FilePath(name string) string
}

// Scheduler submits backend jobs.
type Scheduler interface {
	Schedule(ctx context.Context, name string, spec JobSpec, group string) (Job, error)
}

// job is the Job implementation shared by the schedulers in this package.
type job struct {
	name  string
	group string
	dir   string
	done  chan struct{}
	err   error
}

func newJob(name, group, dir string) *job {
	return &job{name: name, group: group, dir: dir, done: make(chan struct{})}
}

func (j *job) Name() string          { return j.name }
func (j *job) Group() string         { return j.group }
func (j *job) Done() <-chan struct{} { return j.done }

func (j *job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

func (j *job) FilePath(name string) string {
	if name == "" {
		return j.dir
	}
	return joinPath(j.dir, name)
}

func (j *job) finish(err error) {
	j.err = err
	close(j.done)
}
