package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser parses and validates CUE workflow definitions.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		schemaRegistry: NewSchemaRegistry(),
	}
}

// ParsedWorkflow is the result of parsing CUE sources. Errors holds every
// problem found; Config is nil when there are any.
type ParsedWorkflow struct {
	Config      *WorkflowConfig
	SourceFiles []string
	Errors      []ValidationError
}

// Parse loads a CUE file, or a directory holding one CUE package, and checks
// it against the workflow schema.
func (cp *CUEParser) Parse(_ context.Context, source string) (*ParsedWorkflow, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	var (
		val   cue.Value
		files []string
		errs  []ValidationError
	)
	if info.IsDir() {
		val, files, errs = cp.loadDirectory(source)
	} else {
		val, errs = cp.loadFile(source)
		files = []string{source}
	}
	if len(errs) > 0 {
		return &ParsedWorkflow{SourceFiles: files, Errors: errs}, nil
	}

	return cp.extract(val, files), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedWorkflow, error) {
	files := []string{"inline"}
	val := cp.schemaRegistry.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedWorkflow{SourceFiles: files, Errors: cp.convertCUEErrors(err)}, nil
	}
	return cp.extract(val, files), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.schemaRegistry.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.schemaRegistry.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extract unifies the value with the workflow schema and decodes it. A
// top-level "workflow" field is used when present, so packages can keep
// helper definitions beside the workflow itself.
func (cp *CUEParser) extract(val cue.Value, files []string) *ParsedWorkflow {
	parsed := &ParsedWorkflow{SourceFiles: files}

	if wf := val.LookupPath(cue.ParsePath("workflow")); wf.Exists() {
		val = wf
	}

	schema, _ := cp.schemaRegistry.GetSchema("workflow")
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	var cfg WorkflowConfig
	if err := unified.Decode(&cfg); err != nil {
		parsed.Errors = []ValidationError{{
			Path:     "workflow",
			Message:  fmt.Sprintf("failed to decode workflow: %v", err),
			Severity: "error",
		}}
		return parsed
	}

	parsed.Config = &cfg
	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		path := ""
		for i, p := range e.Path() {
			if i > 0 {
				path += "."
			}
			path += p
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     path,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ValidateWithSchema validates data against a registered schema.
func (cp *CUEParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return cp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON renders a workflow definition as indented JSON.
func ExportJSON(cfg *WorkflowConfig) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
