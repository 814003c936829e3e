package engine

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// genExpr draws an expression over references already declared in pool.
func genExpr(r *rapid.T, pool []ID, depth int) Expr {
	if depth == 0 || rapid.Bool().Draw(r, "leaf") {
		return rapid.SampledFrom(pool).Draw(r, "ref")
	}

	children := func() []Expr {
		n := rapid.IntRange(1, 3).Draw(r, "arity")
		out := make([]Expr, n)
		for i := range out {
			out[i] = genExpr(r, pool, depth-1)
		}
		return out
	}

	switch rapid.IntRange(0, 4).Draw(r, "op") {
	case 0:
		return All(children()...)
	case 1:
		return One(children()...)
	case 2:
		return Seq(children()...)
	case 3:
		return Opt(genExpr(r, pool, depth-1))
	default:
		return OIf(genExpr(r, pool, depth-1))
	}
}

// genWorkflow draws an acyclic registry and a request against it. Every entity
// only references entities declared before it.
func genWorkflow(r *rapid.T) (*Registry, Request) {
	var decls []Entity
	var pool []ID
	var req Request

	nParams := rapid.IntRange(1, 4).Draw(r, "params")
	nEntities := rapid.IntRange(1, 8).Draw(r, "entities")
	nTargets := rapid.IntRange(1, 3).Draw(r, "targets")

	for i := 0; i < nParams; i++ {
		id := Param(fmt.Sprintf("p%d", i))
		decls = append(decls, Entity{ID: id})
		pool = append(pool, id)
		if rapid.Bool().Draw(r, "provided") {
			req.Params = append(req.Params, id)
		}
	}

	var services []ID
	for i := 0; i < nEntities; i++ {
		var id ID
		switch rapid.IntRange(0, 2).Draw(r, "kind") {
		case 0:
			id = Checkpoint(fmt.Sprintf("c%d", i))
		default:
			id = Service(fmt.Sprintf("s%d", i))
			services = append(services, id)
		}
		decls = append(decls, Entity{ID: id, Depends: genExpr(r, pool, 2)})
		pool = append(pool, id)
	}

	for i := 0; i < nTargets; i++ {
		id := UserTarget(fmt.Sprintf("t%d", i))
		decls = append(decls, Entity{ID: id, Depends: genExpr(r, pool, 3)})
		req.Targets = append(req.Targets, id)
	}

	for _, s := range services {
		if rapid.IntRange(0, 9).Draw(r, "exclude") == 0 {
			req.Excluded = append(req.Excluded, s)
		}
	}

	reg, err := NewRegistry(decls...)
	if err != nil {
		r.Fatalf("generated registry rejected: %v", err)
	}
	return reg, req
}

func TestController_Properties(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		reg, req := genWorkflow(r)

		var transitions []Transition
		c, err := NewController(reg, req, WithObserver(func(tr Transition) {
			transitions = append(transitions, tr)
		}))
		if err != nil {
			r.Fatalf("NewController: %v", err)
		}

		for step := 0; step < 64; step++ {
			runnable := c.Runnable()

			// Runnable is idempotent
			again := c.Runnable()
			if fmt.Sprint(runnable) != fmt.Sprint(again) {
				r.Fatalf("Runnable changed without mutation: %v then %v", runnable, again)
			}

			for _, id := range runnable {
				v, err := c.Verdict(id)
				if err != nil || v != Satisfied {
					r.Fatalf("%s is runnable with verdict %s (err=%v)", id, v, err)
				}
				if id.Kind != KindService {
					r.Fatalf("%s is runnable but not a service", id)
				}
			}

			started := c.Started()
			if len(runnable) == 0 && len(started) == 0 {
				break
			}

			if len(started) > 0 && (len(runnable) == 0 || rapid.Bool().Draw(r, "finish")) {
				id := rapid.SampledFrom(started).Draw(r, "started")
				if rapid.Bool().Draw(r, "ok") {
					err = c.MarkCompleted(id)
				} else {
					err = c.MarkFailed(id)
				}
			} else {
				err = c.MarkStarted(rapid.SampledFrom(runnable).Draw(r, "runnable"))
			}
			if err != nil {
				r.Fatalf("mutation failed: %v", err)
			}
		}

		for _, tr := range transitions {
			if tr.Cause == "init" {
				continue
			}
			if !tr.From.CanTransition(tr.To) {
				r.Fatalf("non-monotone transition %s: %s -> %s (%s)", tr.ID, tr.From, tr.To, tr.Cause)
			}
		}

		if len(c.Runnable()) == 0 && len(c.Started()) == 0 {
			status := c.Status()
			if !status.IsTerminal() {
				r.Fatalf("quiescent run reports %s", status)
			}
			if status == StatusCompleted {
				for _, g := range c.Goals() {
					st, _ := c.State(g)
					if st != StateCompleted && st != StateSkipped {
						r.Fatalf("completed run has goal %s in state %s", g, st)
					}
				}
			}
		}
	})
}
