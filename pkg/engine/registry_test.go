package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Valid(t *testing.T) {
	reg, err := NewRegistry(
		Entity{ID: Param("reads")},
		Entity{ID: Param("contigs")},
		Entity{ID: Checkpoint("contigs"), Depends: One(Param("contigs"), Service("Assembler"))},
		Entity{ID: Service("Assembler"), Depends: Param("reads")},
		Entity{ID: UserTarget("assembly"), Depends: Checkpoint("contigs")},
	)
	require.NoError(t, err)

	assert.Equal(t, 5, reg.Len())
	assert.Equal(t, []string{"reads", "contigs"}, reg.Names(KindParam))
	assert.True(t, reg.Contains(Param("contigs")))
	assert.True(t, reg.Contains(Checkpoint("contigs")))
	assert.False(t, reg.Contains(Service("contigs")))
}

func TestNewRegistry_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		decls []Entity
		code  string
	}{
		{
			name:  "service without expression",
			decls: []Entity{{ID: Service("A")}},
			code:  ErrCodeMissingDependency,
		},
		{
			name:  "target without expression",
			decls: []Entity{{ID: UserTarget("t")}},
			code:  ErrCodeMissingDependency,
		},
		{
			name: "param with expression",
			decls: []Entity{
				{ID: Param("p"), Depends: Param("q")},
				{ID: Param("q")},
			},
			code: ErrCodeParamWithDependency,
		},
		{
			name:  "duplicate",
			decls: []Entity{{ID: Param("p")}, {ID: Param("p")}},
			code:  ErrCodeDuplicateEntity,
		},
		{
			name:  "dangling reference",
			decls: []Entity{{ID: Service("A"), Depends: All(Param("missing"))}},
			code:  ErrCodeDanglingReference,
		},
		{
			name:  "self reference",
			decls: []Entity{{ID: Service("A"), Depends: Service("A")}},
			code:  ErrCodeCycle,
		},
		{
			name: "cycle",
			decls: []Entity{
				{ID: Service("A"), Depends: Checkpoint("c")},
				{ID: Checkpoint("c"), Depends: One(Service("B"))},
				{ID: Service("B"), Depends: Opt(Service("A"))},
			},
			code: ErrCodeCycle,
		},
		{
			name:  "empty ALL",
			decls: []Entity{{ID: Service("A"), Depends: All()}},
			code:  ErrCodeMalformedExpression,
		},
		{
			name: "empty ONE nested",
			decls: []Entity{
				{ID: Param("p")},
				{ID: Service("A"), Depends: All(Param("p"), Opt(One()))},
			},
			code: ErrCodeMalformedExpression,
		},
		{
			name:  "empty name",
			decls: []Entity{{ID: Param("")}},
			code:  ErrCodeInvalidDeclaration,
		},
		{
			name:  "invalid kind",
			decls: []Entity{{ID: ID{Kind: 42, Name: "x"}}},
			code:  ErrCodeUnknownKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.decls...)
			require.Error(t, err)
			assert.True(t, IsConfiguration(err), "expected configuration error, got %v", err)

			var e *Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestNewRegistry_CycleReportsPath(t *testing.T) {
	_, err := NewRegistry(
		Entity{ID: Service("A"), Depends: Service("B")},
		Entity{ID: Service("B"), Depends: Service("A")},
	)
	require.Error(t, err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Message, "service:A -> service:B -> service:A")
}

func TestRegistry_Lookup(t *testing.T) {
	reg := MustRegistry(
		Entity{ID: Param("reads")},
		Entity{ID: Service("KCST"), Depends: Param("reads"), Description: "species from contigs"},
	)

	ent, err := reg.Lookup(Service("KCST"))
	require.NoError(t, err)
	assert.Equal(t, "species from contigs", ent.Description)

	_, err = reg.Lookup(Service("reads"))
	require.Error(t, err)
	assert.True(t, IsUnknownEntity(err))
}

func TestRegistry_ParseAny(t *testing.T) {
	reg := MustRegistry(
		Entity{ID: Param("contigs")},
		Entity{ID: Service("SKESA"), Depends: Param("contigs")},
		Entity{ID: Checkpoint("contigs"), Depends: One(Param("contigs"), Service("SKESA"))},
		Entity{ID: UserTarget("assembly"), Depends: Service("SKESA")},
	)

	tests := []struct {
		name    string
		input   string
		kinds   []Kind
		want    ID
		wantErr bool
	}{
		{name: "target", input: "assembly", kinds: []Kind{KindUserTarget, KindService}, want: UserTarget("assembly")},
		{name: "service fallback", input: "SKESA", kinds: []Kind{KindUserTarget, KindService}, want: Service("SKESA")},
		{name: "first kind wins", input: "contigs", want: Param("contigs")},
		{name: "qualified", input: "checkpoint:contigs", want: Checkpoint("contigs")},
		{name: "qualified plural kind", input: "services:SKESA", want: Service("SKESA")},
		{name: "qualified disallowed kind", input: "param:contigs", kinds: []Kind{KindService}, wantErr: true},
		{name: "unknown", input: "nope", wantErr: true},
		{name: "wrong kind", input: "SKESA", kinds: []Kind{KindParam}, wantErr: true},
		{name: "malformed qualified", input: "bogus:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.ParseAny(tt.input, tt.kinds...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsUnknownEntity(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_EntitiesKeepDeclarationOrder(t *testing.T) {
	reg := MustRegistry(
		Entity{ID: Param("z")},
		Entity{ID: Service("Zeta"), Depends: Param("z")},
		Entity{ID: Param("a")},
		Entity{ID: Service("Alpha"), Depends: Param("a")},
	)

	var names []string
	for _, ent := range reg.Entities(KindService) {
		names = append(names, ent.ID.Name)
	}
	assert.Equal(t, []string{"Zeta", "Alpha"}, names)
	assert.Len(t, reg.Entities(), 4)
	assert.Len(t, reg.Entities(KindParam, KindService), 4)
	assert.Empty(t, reg.Entities(KindUserTarget))
}

func TestParseID(t *testing.T) {
	id, err := ParseID("service:SKESA")
	require.NoError(t, err)
	assert.Equal(t, Service("SKESA"), id)
	assert.Equal(t, "service:SKESA", id.String())

	_, err = ParseID("SKESA")
	assert.Error(t, err)

	_, err = ParseID("widget:SKESA")
	assert.Error(t, err)
}

func TestID_Text(t *testing.T) {
	data, err := json.Marshal(struct {
		Failed []ID       `json:"failed"`
		States map[ID]int `json:"states"`
	}{
		Failed: []ID{Service("SKESA")},
		States: map[ID]int{UserTarget("assembly"): 1},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"failed":["service:SKESA"],"states":{"target:assembly":1}}`, string(data))

	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"params":["param:reads"],"targets":["target:assembly"]}`), &req))
	assert.Equal(t, []ID{Param("reads")}, req.Params)
	assert.Equal(t, []ID{UserTarget("assembly")}, req.Targets)

	assert.Error(t, json.Unmarshal([]byte(`{"targets":["assembly"]}`), &req))

	_, err = json.Marshal(ID{Name: "SKESA"})
	assert.Error(t, err)
}

func TestExprString(t *testing.T) {
	e := All(Opt(Service("Quast")), OIf(Param("reads")), Seq(Service("A"), One(Checkpoint("c"), Param("p"))))
	assert.Equal(t,
		"ALL(OPT(service:Quast), OIF(param:reads), SEQ(service:A, ONE(checkpoint:c, param:p)))",
		e.String())
	assert.Equal(t,
		[]ID{Service("Quast"), Param("reads"), Service("A"), Checkpoint("c"), Param("p")},
		Refs(e))
}
