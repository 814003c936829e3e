package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcri/bapflow/pkg/engine"
	"github.com/kcri/bapflow/pkg/executor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseExpr(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want engine.Expr
	}{
		{
			name: "reference",
			src:  `param("reads")`,
			want: engine.Param("reads"),
		},
		{
			name: "nested combinators",
			src:  `ALL(OPT(service("Quast")), ONE(param("reads"), param("contigs")))`,
			want: engine.All(
				engine.Opt(engine.Service("Quast")),
				engine.One(engine.Param("reads"), engine.Param("contigs")),
			),
		},
		{
			name: "sequence with conditional",
			src:  `SEQ(checkpoint("assembly"), OIF(service("PlasmidFinder")), target("plasmids"))`,
			want: engine.Seq(
				engine.Checkpoint("assembly"),
				engine.OIf(engine.Service("PlasmidFinder")),
				engine.UserTarget("plasmids"),
			),
		},
		{
			name: "string operand is parsed",
			src:  `ALL('param("reads")')`,
			want: engine.All(engine.Param("reads")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpr(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseExpr_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ``},
		{"unknown function", `ANY(param("reads"))`},
		{"empty combinator", `ALL()`},
		{"not an expression", `42`},
		{"bad operand", `ALL(1)`},
		{"unary arity", `OPT(param("a"), param("b"))`},
		{"empty name", `param("")`},
		{"syntax", `ALL(param("reads")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpr(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestFormatExpr_RoundTrip(t *testing.T) {
	exprs := []engine.Expr{
		engine.Service("SKESA"),
		engine.All(engine.Opt(engine.Service("Quast")), engine.Param("species")),
		engine.Seq(engine.One(engine.Param("reads"), engine.Param("contigs")), engine.OIf(engine.Checkpoint("species"))),
	}
	for _, e := range exprs {
		src := FormatExpr(e)
		got, err := ParseExpr(src)
		require.NoError(t, err, src)
		assert.Equal(t, e, got)
	}
}

const assemblyYAML = `
name: assembly
description: de novo assembly
params:
  - name: reads
  - name: contigs
services:
  - name: SKESA
    depends: param("reads")
    job:
      program: skesa
      args: ["--reads", "${reads}", "--contigs_out", "contigs.fna"]
      group: Assembly
      cpu: 4
      memory_gb: 8
      time: 30m
      outputs: [contigs.fna]
  - name: Quast
    depends: ONE(param("contigs"), service("SKESA"))
targets:
  - name: assembly
    depends: service("SKESA")
  - name: metrics
    depends: service("Quast")
`

func TestLoadWorkflow_YAML(t *testing.T) {
	path := writeFile(t, "assembly.yaml", assemblyYAML)

	wf, err := LoadWorkflow(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "assembly", wf.Name)
	assert.Len(t, wf.Entities, 6)

	reg, err := wf.Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"SKESA", "Quast"}, reg.Names(engine.KindService))
	assert.Equal(t, []string{"assembly", "metrics"}, reg.Names(engine.KindUserTarget))

	ent, err := reg.Lookup(engine.Service("Quast"))
	require.NoError(t, err)
	assert.Equal(t, engine.One(engine.Param("contigs"), engine.Service("SKESA")), ent.Depends)

	shims, err := wf.Shims()
	require.NoError(t, err)
	require.Contains(t, shims, "SKESA")
	assert.NotContains(t, shims, "Quast")

	shim, ok := shims["SKESA"].(*executor.CommandShim)
	require.True(t, ok)
	assert.Equal(t, "Assembly", shim.Group)
	assert.Equal(t, "skesa", shim.Spec.Program)
	assert.Equal(t, 4, shim.Spec.CPU)
	assert.Equal(t, 30*time.Minute, shim.Spec.Time)
	assert.Equal(t, []string{"contigs.fna"}, shim.Outputs)
}

func TestLoadWorkflow_YAMLErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing service depends",
			content: "name: x\nparams: []\nservices:\n  - name: A\ntargets: []\n",
			wantErr: "validation failed",
		},
		{
			name:    "negative cpu",
			content: "name: x\nparams: [{name: a}]\nservices:\n  - name: A\n    depends: param(\"a\")\n    job: {program: a, cpu: -1}\ntargets: []\n",
			wantErr: "validation failed",
		},
		{
			name:    "bad expression",
			content: "name: x\nparams: [{name: a}]\nservices:\n  - name: A\n    depends: ALL(\ntargets: []\n",
			wantErr: "services[0].depends",
		},
		{
			name:    "malformed yaml",
			content: "name: [x\n",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "wf.yaml", tt.content)
			_, err := LoadWorkflow(context.Background(), path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWorkflow_BadExpressionIsValidationError(t *testing.T) {
	cfg := &WorkflowConfig{
		Name:     "x",
		Params:   []EntityConfig{{Name: "a"}},
		Services: []ServiceConfig{{Name: "A", Depends: "NOPE()"}, {Name: "B", Depends: "ALL()"}},
	}

	_, err := Build(cfg, "x.yaml")
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.Equal(t, "services[0].depends", verrs[0].Path)
	assert.Equal(t, "services[1].depends", verrs[1].Path)
	assert.Equal(t, "x.yaml", verrs[0].File)
}

const assemblyCUE = `
_reads: "param(\"reads\")"

name: "assembly"
params: [{name: "reads"}]
services: [{
	name:    "SKESA"
	depends: _reads
	job: {program: "skesa", cpu: 2, outputs: ["contigs.fna"]}
}]
targets: [{name: "assembly", depends: "service(\"SKESA\")"}]
`

func TestLoadWorkflow_CUE(t *testing.T) {
	path := writeFile(t, "assembly.cue", assemblyCUE)

	wf, err := LoadWorkflow(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "assembly", wf.Name)

	reg, err := wf.Registry()
	require.NoError(t, err)
	ent, err := reg.Lookup(engine.Service("SKESA"))
	require.NoError(t, err)
	assert.Equal(t, engine.Param("reads"), ent.Depends)
	assert.Equal(t, 2, wf.Jobs["SKESA"].CPU)
}

func TestCUEParser_ParseInline(t *testing.T) {
	cp := NewCUEParser()
	ctx := context.Background()

	t.Run("nested workflow field", func(t *testing.T) {
		parsed, err := cp.ParseInline(ctx, `workflow: {
	name: "w"
	params: [{name: "a"}]
	services: []
	targets: [{name: "t", depends: "param(\"a\")"}]
}`)
		require.NoError(t, err)
		require.Empty(t, parsed.Errors)
		assert.Equal(t, "w", parsed.Config.Name)
		assert.Len(t, parsed.Config.Targets, 1)
	})

	t.Run("schema violation", func(t *testing.T) {
		parsed, err := cp.ParseInline(ctx, `
name: "w"
params: []
services: [{name: "A", depends: "param(\"a\")", job: {program: "a", cpu: -2}}]
targets: []
`)
		require.NoError(t, err)
		assert.NotEmpty(t, parsed.Errors)
		assert.Nil(t, parsed.Config)
	})

	t.Run("unknown field", func(t *testing.T) {
		parsed, err := cp.ParseInline(ctx, `
name: "w"
params: []
services: []
targets: []
steps: []
`)
		require.NoError(t, err)
		assert.NotEmpty(t, parsed.Errors)
	})

	t.Run("syntax error", func(t *testing.T) {
		parsed, err := cp.ParseInline(ctx, `name: "w`)
		require.NoError(t, err)
		require.NotEmpty(t, parsed.Errors)
		assert.Equal(t, "error", parsed.Errors[0].Severity)
	})
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	assert.Equal(t, []string{"workflow"}, sr.ListSchemas())

	ctx := context.Background()
	err := sr.ValidateAgainstSchema(ctx, "workflow", map[string]interface{}{
		"name":     "w",
		"params":   []interface{}{map[string]interface{}{"name": "a"}},
		"services": []interface{}{},
		"targets":  []interface{}{},
	})
	assert.NoError(t, err)

	err = sr.ValidateAgainstSchema(ctx, "workflow", map[string]interface{}{"name": ""})
	assert.Error(t, err)

	err = sr.ValidateAgainstSchema(ctx, "missing", nil)
	assert.EqualError(t, err, "schema missing not found")

	assert.Error(t, sr.RegisterSchema("broken", "#X: {", "#X"))
	assert.Error(t, sr.RegisterSchema("nodef", "#X: {}", "#Y"))
}

const assemblyStar = `
workflow("assembly")

reads = declare_param("reads")
contigs = declare_param("contigs", description = "assembled contigs")

skesa = declare_service("SKESA", depends = reads,
    job = job("skesa", args = ["--reads", "${reads}"], cpu = 4, time = "1h", outputs = ["contigs.fna"]))

assembly = declare_checkpoint("assembly", depends = ONE(contigs, skesa))
declare_service("Quast", depends = assembly)
declare_target("metrics", depends = ALL(service("Quast"), OPT('param("reads")')))
`

func TestLoadWorkflow_Starlark(t *testing.T) {
	path := writeFile(t, "assembly.star", assemblyStar)

	wf, err := LoadWorkflow(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "assembly", wf.Name)

	reg, err := wf.Registry()
	require.NoError(t, err)
	assert.Equal(t, 6, reg.Len())

	ent, err := reg.Lookup(engine.Checkpoint("assembly"))
	require.NoError(t, err)
	assert.Equal(t, engine.One(engine.Param("contigs"), engine.Service("SKESA")), ent.Depends)

	ent, err = reg.Lookup(engine.UserTarget("metrics"))
	require.NoError(t, err)
	assert.Equal(t, engine.All(engine.Service("Quast"), engine.Opt(engine.Param("reads"))), ent.Depends)

	require.Contains(t, wf.Jobs, "SKESA")
	spec, err := wf.Jobs["SKESA"].Spec()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, spec.Time)
}

func TestStarlarkEvaluator_Errors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{
			name:    "no workflow call",
			script:  `declare_param("reads")`,
			wantErr: "workflow() was never called",
		},
		{
			name:    "job on a target",
			script:  "workflow(\"w\")\ndeclare_target(\"t\", depends = param(\"a\"), job = job(\"x\"))",
			wantErr: "only services run jobs",
		},
		{
			name:    "depends is not an expression",
			script:  "workflow(\"w\")\ndeclare_service(\"s\", depends = 3)",
			wantErr: "want expr",
		},
		{
			name:    "negative resources",
			script:  "workflow(\"w\")\njob(\"x\", cpu = -1)",
			wantErr: "job",
		},
		{
			name:    "non-string args",
			script:  "workflow(\"w\")\njob(\"x\", args = [1])",
			wantErr: "want string",
		},
	}

	se := NewStarlarkEvaluator(time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := se.Evaluate(context.Background(), "wf.star", []byte(tt.script))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	se := NewStarlarkEvaluator(50 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

spin()
`
	start := time.Now()
	_, err := se.Evaluate(context.Background(), "spin.star", []byte(script))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution timeout")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLoadWorkflow_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, "wf.json", "{}")
	_, err := LoadWorkflow(context.Background(), path)
	assert.ErrorContains(t, err, "unsupported workflow format")

	_, err = LoadWorkflow(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestJobConfig_Spec(t *testing.T) {
	spec, err := JobConfig{Program: "kma", Args: []string{"-i", "x"}, Time: "90s"}.Spec()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, spec.Time)
	assert.Equal(t, "kma -i x", spec.CommandLine())

	_, err = JobConfig{Program: "kma", Time: "soon"}.Spec()
	assert.ErrorContains(t, err, "invalid job time")

	_, err = JobConfig{}.Spec()
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		v, err := NewViper("")
		require.NoError(t, err)
		s, err := LoadSettings(v)
		require.NoError(t, err)
		assert.Equal(t, "info", s.Log.Level)
		assert.Equal(t, 10, s.Run.Workers)
		assert.Equal(t, "none", s.Tracing.Exporter)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("BAPFLOW_LOG_LEVEL", "debug")
		t.Setenv("BAPFLOW_RUN_WORKERS", "3")
		v, err := NewViper("")
		require.NoError(t, err)
		s, err := LoadSettings(v)
		require.NoError(t, err)
		assert.Equal(t, "debug", s.Log.Level)
		assert.Equal(t, 3, s.Run.Workers)
	})

	t.Run("file", func(t *testing.T) {
		path := writeFile(t, "bapflow.yaml", `
log:
  format: json
journal:
  path: /var/lib/bapflow/journal.db
run:
  work_dir: /scratch
  db_root: /data/db
`)
		v, err := NewViper(path)
		require.NoError(t, err)
		s, err := LoadSettings(v)
		require.NoError(t, err)
		assert.Equal(t, "json", s.Log.Format)
		assert.Equal(t, "/var/lib/bapflow/journal.db", s.Journal.Path)
		assert.Equal(t, "/scratch", s.Run.WorkDir)
		assert.Equal(t, "/data/db", s.Run.DBRoot)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("BAPFLOW_TRACING_EXPORTER", "otlp")
		v, err := NewViper("")
		require.NoError(t, err)
		_, err = LoadSettings(v)
		assert.ErrorContains(t, err, "invalid settings")
	})

	t.Run("telemetry", func(t *testing.T) {
		v, err := NewViper("")
		require.NoError(t, err)
		v.Set("tracing.exporter", "stdout")
		v.Set("metrics.listen", "127.0.0.1:9400")
		s, err := LoadSettings(v)
		require.NoError(t, err)

		cfg := s.Telemetry("1.2.3")
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "1.2.3", cfg.ServiceVersion)
		assert.True(t, cfg.Tracing.Enabled)
		assert.Equal(t, "127.0.0.1:9400", cfg.Metrics.ListenAddress)
		assert.True(t, cfg.Events.Enabled)
	})
}
