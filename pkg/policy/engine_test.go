package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestNewEngine(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	require.Len(t, policies, 3)
	assert.Equal(t, "exclude-all", policies[0].Name)
	assert.Equal(t, "missing-inputs", policies[1].Name)
	assert.Equal(t, "request-conflict", policies[2].Name)
	for _, p := range policies {
		assert.True(t, p.Builtin)
		assert.True(t, p.Enabled)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	services := []string{"KmerFinder", "MLST", "SKESA"}

	tests := []struct {
		name         string
		input        Input
		allowed      bool
		wantPolicies []string
		wantWarnings []string
	}{
		{
			name:    "clean request",
			input:   Input{Targets: []string{"DEFAULT"}, Params: []string{"reads"}, Services: services},
			allowed: true,
		},
		{
			name:         "requested and excluded",
			input:        Input{Targets: []string{"MLST", "species"}, Params: []string{"reads"}, Excluded: []string{"MLST"}, Services: services},
			wantPolicies: []string{"request-conflict"},
		},
		{
			name:         "everything excluded",
			input:        Input{Params: []string{"reads"}, Excluded: []string{"SKESA", "MLST", "KmerFinder"}, Services: services},
			wantPolicies: []string{"exclude-all"},
		},
		{
			name:         "no params",
			input:        Input{Targets: []string{"DEFAULT"}, Services: services},
			allowed:      true,
			wantWarnings: []string{"missing-inputs"},
		},
		{
			name:         "nil slices",
			input:        Input{},
			allowed:      true,
			wantWarnings: []string{"missing-inputs"},
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input
			result, err := e.Evaluate(context.Background(), &input)
			require.NoError(t, err)

			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Len(t, result.EvaluatedPolicies, 3)

			var gotPolicies, gotWarnings []string
			for _, v := range result.Violations {
				gotPolicies = append(gotPolicies, v.Policy)
				assert.Equal(t, SeverityError, v.Severity)
			}
			for _, w := range result.Warnings {
				gotWarnings = append(gotWarnings, w.Policy)
			}
			assert.Equal(t, tt.wantPolicies, gotPolicies)
			assert.Equal(t, tt.wantWarnings, gotWarnings)
		})
	}
}

func TestAdmit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Admit(ctx, &Input{Targets: []string{"MLST"}, Params: []string{"reads"}, Excluded: []string{"MLST"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request rejected by policy")
	assert.Contains(t, err.Error(), "MLST is both requested and excluded")

	result, err := e.Admit(ctx, &Input{Targets: []string{"MLST"}})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "did you forget")
}

func TestEnableDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	input := &Input{Targets: []string{"MLST"}, Params: []string{"reads"}, Excluded: []string{"MLST"}}

	require.NoError(t, e.DisablePolicy("request-conflict"))
	result, err := e.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NotContains(t, result.EvaluatedPolicies, "request-conflict")

	require.NoError(t, e.EnablePolicy("request-conflict"))
	result, err = e.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	assert.Error(t, e.EnablePolicy("missing"))
	assert.Error(t, e.DisablePolicy("missing"))
}

func TestSetPolicies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "max-targets",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.targets

import rego.v1

deny contains msg if {
	count(input.targets) > 2
	msg := sprintf("at most 2 targets per run, got %d", [count(input.targets)])
}
`,
	}
	require.NoError(t, e.SetPolicies(ctx, []Policy{custom}))

	p, err := e.GetPolicy("max-targets")
	require.NoError(t, err)
	assert.False(t, p.Builtin)

	result, err := e.Evaluate(ctx, &Input{Targets: []string{"a", "b", "c"}, Params: []string{"reads"}})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "at most 2 targets per run, got 3", result.Violations[0].Message)

	// A broken policy leaves the loaded set untouched.
	broken := Policy{Name: "broken", Enabled: true, Rego: "package x\ndeny contains"}
	assert.Error(t, e.SetPolicies(ctx, []Policy{broken}))
	_, err = e.GetPolicy("max-targets")
	assert.NoError(t, err)

	// Built-ins cannot be shadowed.
	shadow := custom
	shadow.Name = "exclude-all"
	assert.ErrorContains(t, e.SetPolicies(ctx, []Policy{shadow}), "shadows a built-in")

	// Replacing drops earlier custom policies but keeps the built-ins.
	require.NoError(t, e.SetPolicies(ctx, nil))
	_, err = e.GetPolicy("max-targets")
	assert.Error(t, err)
	assert.Len(t, e.ListPolicies(), 3)
}

func TestEvaluate_RuntimeErrorIsWarning(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	failing := Policy{
		Name:     "conflicting-rule",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.conflict

import rego.v1

verdict := "a" if count(input.targets) >= 0
verdict := "b" if count(input.params) >= 0

deny contains msg if {
	msg := verdict
}
`,
	}
	require.NoError(t, e.SetPolicies(ctx, []Policy{failing}))

	result, err := e.Evaluate(ctx, &Input{Params: []string{"reads"}})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "conflicting-rule", result.Warnings[0].Policy)
	assert.Contains(t, result.Warnings[0].Message, "policy evaluation failed")
}
