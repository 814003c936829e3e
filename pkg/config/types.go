package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/executor"
)

// WorkflowConfig is the declarative form of a workflow as read from YAML or CUE.
// Every depends field holds an expression such as
// `ALL(OPT(service("Quast")), param("reads"))`.
type WorkflowConfig struct {
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Params      []EntityConfig  `json:"params" yaml:"params" validate:"dive"`
	Checkpoints []EntityConfig  `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty" validate:"dive"`
	Services    []ServiceConfig `json:"services" yaml:"services" validate:"dive"`
	Targets     []EntityConfig  `json:"targets" yaml:"targets" validate:"dive"`
}

// EntityConfig declares a param, checkpoint or user target.
type EntityConfig struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Depends     string `json:"depends,omitempty" yaml:"depends,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ServiceConfig declares a service and, optionally, the command that runs it.
type ServiceConfig struct {
	Name        string     `json:"name" yaml:"name" validate:"required"`
	Depends     string     `json:"depends" yaml:"depends" validate:"required"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Job         *JobConfig `json:"job,omitempty" yaml:"job,omitempty"`
}

// JobConfig is a command template for a service. Args may reference ${input},
// ${db:name} and ${reference}.
type JobConfig struct {
	Program  string   `json:"program" yaml:"program" validate:"required"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Group    string   `json:"group,omitempty" yaml:"group,omitempty"`
	CPU      int      `json:"cpu,omitempty" yaml:"cpu,omitempty" validate:"gte=0"`
	MemoryGB int      `json:"memory_gb,omitempty" yaml:"memory_gb,omitempty" validate:"gte=0"`
	DiskGB   int      `json:"disk_gb,omitempty" yaml:"disk_gb,omitempty" validate:"gte=0"`
	Time     string   `json:"time,omitempty" yaml:"time,omitempty"`
	Outputs  []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Spec converts the template into a job spec.
func (j JobConfig) Spec() (executor.JobSpec, error) {
	spec := executor.JobSpec{
		Program:  j.Program,
		Args:     append([]string(nil), j.Args...),
		CPU:      j.CPU,
		MemoryGB: j.MemoryGB,
		DiskGB:   j.DiskGB,
	}
	if j.Time != "" {
		d, err := time.ParseDuration(j.Time)
		if err != nil {
			return spec, fmt.Errorf("invalid job time %q: %w", j.Time, err)
		}
		spec.Time = d
	}
	return spec, spec.Validate()
}

// Workflow is a loaded, not yet validated, workflow definition.
type Workflow struct {
	Name   string
	Source string

	// Entities in declaration order.
	Entities []engine.Entity

	// Jobs are the command templates of the services that declared one.
	Jobs map[string]JobConfig
}

// Registry validates the workflow and builds its registry.
func (w *Workflow) Registry() (*engine.Registry, error) {
	return engine.NewRegistry(w.Entities...)
}

// Shims returns a command shim for every service with a job template.
func (w *Workflow) Shims() (map[string]executor.Shim, error) {
	shims := make(map[string]executor.Shim, len(w.Jobs))
	for name, j := range w.Jobs {
		spec, err := j.Spec()
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		shims[name] = &executor.CommandShim{
			Service: name,
			Group:   j.Group,
			Spec:    spec,
			Outputs: append([]string(nil), j.Outputs...),
		}
	}
	return shims, nil
}

// ValidationError is a problem found while loading a workflow definition.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one definition.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Build converts a declarative workflow into entities. All problems are
// reported together.
func Build(cfg *WorkflowConfig, source string) (*Workflow, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", source, err)
	}

	w := &Workflow{
		Name:   cfg.Name,
		Source: source,
		Jobs:   make(map[string]JobConfig),
	}
	var errs ValidationErrors

	add := func(section string, i int, id engine.ID, depends, description string) {
		ent := engine.Entity{ID: id, Description: description}
		if depends != "" {
			expr, err := ParseExpr(depends)
			if err != nil {
				errs = append(errs, ValidationError{
					File:     source,
					Path:     fmt.Sprintf("%s[%d].depends", section, i),
					Message:  err.Error(),
					Severity: "error",
				})
				return
			}
			ent.Depends = expr
		}
		w.Entities = append(w.Entities, ent)
	}

	for i, p := range cfg.Params {
		add("params", i, engine.Param(p.Name), p.Depends, p.Description)
	}
	for i, c := range cfg.Checkpoints {
		add("checkpoints", i, engine.Checkpoint(c.Name), c.Depends, c.Description)
	}
	for i, s := range cfg.Services {
		add("services", i, engine.Service(s.Name), s.Depends, s.Description)
		if s.Job != nil {
			w.Jobs[s.Name] = *s.Job
		}
	}
	for i, t := range cfg.Targets {
		add("targets", i, engine.UserTarget(t.Name), t.Depends, t.Description)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return w, nil
}
