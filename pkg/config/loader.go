package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// DefaultStarlarkTimeout bounds the evaluation of a .star workflow.
const DefaultStarlarkTimeout = 10 * time.Second

// LoadWorkflow loads a workflow definition, choosing the format by extension:
// .yaml and .yml, .cue (or a directory of CUE files) and .star.
func LoadWorkflow(ctx context.Context, path string) (*Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	if info.IsDir() {
		return loadCUE(ctx, path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow: %w", err)
		}
		return ParseYAML(ctx, path, data)
	case ".cue":
		return loadCUE(ctx, path)
	case ".star":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow: %w", err)
		}
		return NewStarlarkEvaluator(DefaultStarlarkTimeout).Evaluate(ctx, path, data)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q (want .yaml, .cue or .star)", filepath.Ext(path))
	}
}

// ParseYAML parses a YAML workflow definition. The document is checked against
// the workflow schema before it is decoded.
func ParseYAML(ctx context.Context, source string, data []byte) (*Workflow, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	if err := NewSchemaRegistry().ValidateAgainstSchema(ctx, "workflow", raw); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	var cfg WorkflowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	return Build(&cfg, source)
}

func loadCUE(ctx context.Context, path string) (*Workflow, error) {
	parsed, err := NewCUEParser().Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, ValidationErrors(parsed.Errors)
	}
	return Build(parsed.Config, path)
}
