package config

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/kcri/bapflow/pkg/engine"
)

// exprValue carries a dependency expression through Starlark evaluation.
type exprValue struct {
	expr engine.Expr
}

var _ starlark.Value = exprValue{}

func (v exprValue) String() string        { return v.expr.String() }
func (v exprValue) Type() string          { return "expr" }
func (v exprValue) Freeze()               {}
func (v exprValue) Truth() starlark.Bool  { return starlark.True }
func (v exprValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: expr") }

// exprBuiltins returns the combinators and reference constructors available to
// dependency expressions.
func exprBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"ALL":        starlark.NewBuiltin("ALL", variadic(func(c []engine.Expr) engine.Expr { return engine.All(c...) })),
		"ONE":        starlark.NewBuiltin("ONE", variadic(func(c []engine.Expr) engine.Expr { return engine.One(c...) })),
		"SEQ":        starlark.NewBuiltin("SEQ", variadic(func(c []engine.Expr) engine.Expr { return engine.Seq(c...) })),
		"OPT":        starlark.NewBuiltin("OPT", unary(func(c engine.Expr) engine.Expr { return engine.Opt(c) })),
		"OIF":        starlark.NewBuiltin("OIF", unary(func(c engine.Expr) engine.Expr { return engine.OIf(c) })),
		"param":      starlark.NewBuiltin("param", ref(engine.Param)),
		"checkpoint": starlark.NewBuiltin("checkpoint", ref(engine.Checkpoint)),
		"service":    starlark.NewBuiltin("service", ref(engine.Service)),
		"target":     starlark.NewBuiltin("target", ref(engine.UserTarget)),
	}
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func variadic(build func([]engine.Expr) engine.Expr) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: needs at least one operand", b.Name())
		}
		children := make([]engine.Expr, len(args))
		for i, a := range args {
			e, err := toExpr(a)
			if err != nil {
				return nil, fmt.Errorf("%s: operand %d: %w", b.Name(), i+1, err)
			}
			children[i] = e
		}
		return exprValue{expr: build(children)}, nil
	}
}

func unary(build func(engine.Expr) engine.Expr) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var operand starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &operand); err != nil {
			return nil, err
		}
		e, err := toExpr(operand)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return exprValue{expr: build(e)}, nil
	}
}

func ref(id func(string) engine.ID) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%s: empty name", b.Name())
		}
		return exprValue{expr: id(name)}, nil
	}
}

func toExpr(v starlark.Value) (engine.Expr, error) {
	switch x := v.(type) {
	case exprValue:
		return x.expr, nil
	case starlark.String:
		return ParseExpr(string(x))
	default:
		return nil, fmt.Errorf("got %s, want expr", v.Type())
	}
}

// ParseExpr parses a dependency expression written in call syntax, for example
// `ALL(OPT(service("Quast")), ONE(param("reads"), param("contigs")))`.
func ParseExpr(src string) (engine.Expr, error) {
	thread := &starlark.Thread{Name: "expr"}
	v, err := starlark.Eval(thread, "depends", src, exprBuiltins())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}
	e, ok := v.(exprValue)
	if !ok {
		return nil, fmt.Errorf("invalid expression %q: evaluates to %s", src, v.Type())
	}
	return e.expr, nil
}

// FormatExpr renders e in the call syntax accepted by ParseExpr.
func FormatExpr(e engine.Expr) string {
	switch x := e.(type) {
	case engine.ID:
		return fmt.Sprintf("%s(%q)", x.Kind, x.Name)
	case *engine.AllExpr:
		return formatCall("ALL", x.Children)
	case *engine.OneExpr:
		return formatCall("ONE", x.Children)
	case *engine.SeqExpr:
		return formatCall("SEQ", x.Children)
	case *engine.OptExpr:
		return formatCall("OPT", []engine.Expr{x.Child})
	case *engine.OIfExpr:
		return formatCall("OIF", []engine.Expr{x.Child})
	default:
		return "None"
	}
}

func formatCall(op string, children []engine.Expr) string {
	s := op + "("
	for i, c := range children {
		if i > 0 {
			s += ", "
		}
		s += FormatExpr(c)
	}
	return s + ")"
}
