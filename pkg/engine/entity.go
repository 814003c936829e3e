package engine

import (
	"fmt"
	"strings"
)

// Kind is the closed set of entity kinds participating in resolution.
type Kind int

const (
	// KindParam is a user-supplied input flag. Params have no dependency expression.
	KindParam Kind = iota + 1

	// KindCheckpoint is an internal condition reachable via more than one path.
	KindCheckpoint

	// KindService is an executable pipeline step.
	KindService

	// KindUserTarget is a goal an operator can request.
	KindUserTarget
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{KindParam, KindCheckpoint, KindService, KindUserTarget}

// String returns the lowercase kind name used in entity identifiers.
func (k Kind) String() string {
	switch k {
	case KindParam:
		return "param"
	case KindCheckpoint:
		return "checkpoint"
	case KindService:
		return "service"
	case KindUserTarget:
		return "target"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Validate checks that k is one of the known kinds.
func (k Kind) Validate() error {
	switch k {
	case KindParam, KindCheckpoint, KindService, KindUserTarget:
		return nil
	default:
		return NewLookupError(fmt.Sprintf("invalid entity kind: %d", int(k)), nil).
			WithCode(ErrCodeUnknownKind)
	}
}

// HasDependencies reports whether entities of this kind own a dependency expression.
func (k Kind) HasDependencies() bool {
	return k != KindParam
}

// IsVirtual reports whether entities of this kind are resolved by evaluation alone
// rather than being started by a scheduler.
func (k Kind) IsVirtual() bool {
	return k == KindCheckpoint || k == KindUserTarget
}

// ParseKind converts a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "param", "params":
		return KindParam, nil
	case "checkpoint", "checkpoints":
		return KindCheckpoint, nil
	case "service", "services":
		return KindService, nil
	case "target", "targets", "usertarget", "user_target":
		return KindUserTarget, nil
	default:
		return 0, NewLookupError(fmt.Sprintf("unknown entity kind %q", s), nil).
			WithCode(ErrCodeUnknownKind)
	}
}

// ID identifies an entity. Names are unique within a kind only, so the kind is part
// of the identity: the param "contigs" and the checkpoint "contigs" are distinct.
//
// An ID is also the REF leaf of a dependency expression.
type ID struct {
	Kind Kind
	Name string
}

// Param returns the ID of the param with the given name.
func Param(name string) ID { return ID{Kind: KindParam, Name: name} }

// Checkpoint returns the ID of the checkpoint with the given name.
func Checkpoint(name string) ID { return ID{Kind: KindCheckpoint, Name: name} }

// Service returns the ID of the service with the given name.
func Service(name string) ID { return ID{Kind: KindService, Name: name} }

// UserTarget returns the ID of the user target with the given name.
func UserTarget(name string) ID { return ID{Kind: KindUserTarget, Name: name} }

// String returns the qualified form "kind:name".
func (id ID) String() string {
	return id.Kind.String() + ":" + id.Name
}

// MarshalText encodes id in its "kind:name" form, so IDs read the same in
// JSON output as in logs.
func (id ID) MarshalText() ([]byte, error) {
	if err := id.Kind.Validate(); err != nil {
		return nil, err
	}
	return []byte(id.String()), nil
}

// UnmarshalText decodes the "kind:name" form.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id.Kind == 0 && id.Name == ""
}

// ParseID parses the qualified form "kind:name".
func ParseID(s string) (ID, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return ID{}, NewLookupError(fmt.Sprintf("malformed entity identifier %q (want kind:name)", s), nil)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return ID{}, err
	}
	return ID{Kind: k, Name: strings.TrimSpace(name)}, nil
}

// Entity is a registered node in the dependency graph.
type Entity struct {
	// ID is the entity identity.
	ID ID

	// Depends is the dependency expression. It is nil for params.
	Depends Expr

	// Description is a human-readable description.
	Description string
}
