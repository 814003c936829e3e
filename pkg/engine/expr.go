package engine

import (
	"fmt"
	"strings"
)

// Expr is a dependency expression: one of *AllExpr, *OneExpr, *OptExpr, *OIfExpr,
// *SeqExpr, or an ID referencing another entity.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// AllExpr is satisfied when every child is satisfied.
type AllExpr struct {
	Children []Expr
}

// OneExpr is satisfied by the first child to be satisfied.
type OneExpr struct {
	Children []Expr
}

// OptExpr makes the failure of its child non-fatal to the parent.
type OptExpr struct {
	Child Expr
}

// OIfExpr uses its child if it becomes available but never causes it to be produced.
type OIfExpr struct {
	Child Expr
}

// SeqExpr is a conjunction whose children become eligible strictly in order.
type SeqExpr struct {
	Children []Expr
}

// All returns the conjunction of children.
func All(children ...Expr) *AllExpr { return &AllExpr{Children: children} }

// One returns the exactly-one-success disjunction of children.
func One(children ...Expr) *OneExpr { return &OneExpr{Children: children} }

// Opt wraps child so that its failure does not fail the parent.
func Opt(child Expr) *OptExpr { return &OptExpr{Child: child} }

// OIf wraps child so that it is used only when it is produced for another reason.
func OIf(child Expr) *OIfExpr { return &OIfExpr{Child: child} }

// Seq returns the ordered conjunction of children.
func Seq(children ...Expr) *SeqExpr { return &SeqExpr{Children: children} }

func (ID) isExpr()       {}
func (*AllExpr) isExpr() {}
func (*OneExpr) isExpr() {}
func (*OptExpr) isExpr() {}
func (*OIfExpr) isExpr() {}
func (*SeqExpr) isExpr() {}

func (e *AllExpr) String() string { return formatCall("ALL", e.Children) }
func (e *OneExpr) String() string { return formatCall("ONE", e.Children) }
func (e *OptExpr) String() string { return formatCall("OPT", []Expr{e.Child}) }
func (e *OIfExpr) String() string { return formatCall("OIF", []Expr{e.Child}) }
func (e *SeqExpr) String() string { return formatCall("SEQ", e.Children) }

func formatCall(op string, children []Expr) string {
	parts := make([]string, len(children))
	for i, c := range children {
		if c == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// Refs returns every entity referenced by e, in first-occurrence order.
// It does not follow references into other entities' expressions.
func Refs(e Expr) []ID {
	var out []ID
	seen := make(map[ID]bool)
	walk(e, func(id ID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	})
	return out
}

func walk(e Expr, fn func(ID)) {
	switch x := e.(type) {
	case ID:
		fn(x)
	case *AllExpr:
		for _, c := range x.Children {
			walk(c, fn)
		}
	case *OneExpr:
		for _, c := range x.Children {
			walk(c, fn)
		}
	case *SeqExpr:
		for _, c := range x.Children {
			walk(c, fn)
		}
	case *OptExpr:
		walk(x.Child, fn)
	case *OIfExpr:
		walk(x.Child, fn)
	}
}

// checkExpr reports structural defects: nil nodes and empty combinators.
func checkExpr(e Expr) error {
	switch x := e.(type) {
	case nil:
		return fmt.Errorf("nil expression")
	case ID:
		if x.Name == "" {
			return fmt.Errorf("reference with empty name")
		}
		return x.Kind.Validate()
	case *AllExpr:
		if x == nil {
			return fmt.Errorf("nil ALL")
		}
		return checkChildren("ALL", x.Children)
	case *OneExpr:
		if x == nil {
			return fmt.Errorf("nil ONE")
		}
		return checkChildren("ONE", x.Children)
	case *SeqExpr:
		if x == nil {
			return fmt.Errorf("nil SEQ")
		}
		return checkChildren("SEQ", x.Children)
	case *OptExpr:
		if x == nil {
			return fmt.Errorf("nil OPT")
		}
		return checkExpr(x.Child)
	case *OIfExpr:
		if x == nil {
			return fmt.Errorf("nil OIF")
		}
		return checkExpr(x.Child)
	default:
		return fmt.Errorf("unsupported expression type %T", e)
	}
}

func checkChildren(op string, children []Expr) error {
	if len(children) == 0 {
		return fmt.Errorf("%s without children", op)
	}
	for _, c := range children {
		if err := checkExpr(c); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
