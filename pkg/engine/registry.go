package engine

import (
	"fmt"
	"strings"
)

// Registry is the closed, ordered set of entities participating in resolution.
// It is immutable after construction and safe to share across controllers.
type Registry struct {
	entities []*Entity
	index    map[ID]*Entity
	graph    *Graph
}

// NewRegistry validates the declarations and builds a registry. Every failure is a
// configuration error: the declarations are defective and must be fixed.
func NewRegistry(decls ...Entity) (*Registry, error) {
	r := &Registry{
		entities: make([]*Entity, 0, len(decls)),
		index:    make(map[ID]*Entity, len(decls)),
	}

	for i := range decls {
		ent := decls[i]
		if err := r.check(&ent); err != nil {
			return nil, err
		}
		r.entities = append(r.entities, &ent)
		r.index[ent.ID] = &ent
	}

	g, err := buildGraph(r.entities)
	if err != nil {
		return nil, err
	}
	r.graph = g

	return r, nil
}

// MustRegistry is like NewRegistry but panics on error. It is meant for tables
// compiled into the binary.
func MustRegistry(decls ...Entity) *Registry {
	r, err := NewRegistry(decls...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) check(ent *Entity) error {
	if ent.ID.Name == "" {
		return NewConfigurationError("entity has empty name", nil).
			WithCode(ErrCodeInvalidDeclaration)
	}
	if err := ent.ID.Kind.Validate(); err != nil {
		return NewConfigurationError(fmt.Sprintf("entity %q has invalid kind", ent.ID.Name), err).
			WithCode(ErrCodeUnknownKind)
	}
	if _, exists := r.index[ent.ID]; exists {
		return NewConfigurationError(fmt.Sprintf("duplicate declaration of %s", ent.ID), nil).
			WithCode(ErrCodeDuplicateEntity).WithEntity(ent.ID)
	}

	if !ent.ID.Kind.HasDependencies() {
		if ent.Depends != nil {
			return NewConfigurationError(fmt.Sprintf("%s must not have a dependency expression", ent.ID), nil).
				WithCode(ErrCodeParamWithDependency).WithEntity(ent.ID)
		}
		return nil
	}

	if ent.Depends == nil {
		return NewConfigurationError(fmt.Sprintf("%s has no dependency expression", ent.ID), nil).
			WithCode(ErrCodeMissingDependency).WithEntity(ent.ID)
	}
	if err := checkExpr(ent.Depends); err != nil {
		return NewConfigurationError(fmt.Sprintf("%s has a malformed dependency expression", ent.ID), err).
			WithCode(ErrCodeMalformedExpression).WithEntity(ent.ID)
	}
	return nil
}

// Lookup returns the entity with the given identity.
func (r *Registry) Lookup(id ID) (*Entity, error) {
	ent, ok := r.index[id]
	if !ok {
		return nil, NewLookupError(fmt.Sprintf("unknown entity %s", id), nil).WithEntity(id)
	}
	return ent, nil
}

// Contains reports whether id is declared.
func (r *Registry) Contains(id ID) bool {
	_, ok := r.index[id]
	return ok
}

// Parse resolves a name of a known kind.
func (r *Registry) Parse(kind Kind, name string) (ID, error) {
	id := ID{Kind: kind, Name: strings.TrimSpace(name)}
	if !r.Contains(id) {
		return ID{}, NewLookupError(fmt.Sprintf("not a valid %s name: %s", kind, name), nil).
			WithEntity(id).WithOperation("parse")
	}
	return id, nil
}

// ParseAny resolves a user-supplied name against the given kinds, in order, and
// returns the first match. With no kinds every kind is tried. The qualified form
// "kind:name" is also accepted, provided its kind is among those allowed.
func (r *Registry) ParseAny(name string, kinds ...Kind) (ID, error) {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	name = strings.TrimSpace(name)

	if strings.Contains(name, ":") {
		id, err := ParseID(name)
		if err != nil {
			return ID{}, err
		}
		for _, k := range kinds {
			if k == id.Kind {
				return r.Parse(k, id.Name)
			}
		}
		return ID{}, NewLookupError(fmt.Sprintf("%s is not a %s", id, joinKinds(kinds)), nil).
			WithEntity(id).WithOperation("parse")
	}

	for _, k := range kinds {
		id := ID{Kind: k, Name: name}
		if r.Contains(id) {
			return id, nil
		}
	}
	return ID{}, NewLookupError(fmt.Sprintf("not a valid %s name: %s", joinKinds(kinds), name), nil).
		WithOperation("parse").WithDetail("name", name)
}

func joinKinds(kinds []Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = k.String()
	}
	return strings.Join(parts, " or ")
}

// Entities returns the entities of the given kinds in declaration order. With no
// kinds every entity is returned.
func (r *Registry) Entities(kinds ...Kind) []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, ent := range r.entities {
		if len(kinds) == 0 || containsKind(kinds, ent.ID.Kind) {
			out = append(out, ent)
		}
	}
	return out
}

// Names returns the names of the entities of kind k in declaration order.
func (r *Registry) Names(k Kind) []string {
	var out []string
	for _, ent := range r.entities {
		if ent.ID.Kind == k {
			out = append(out, ent.ID.Name)
		}
	}
	return out
}

// Len returns the number of declared entities.
func (r *Registry) Len() int {
	return len(r.entities)
}

// Graph returns the static dependency graph.
func (r *Registry) Graph() *Graph {
	return r.graph
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
