package engine

// StateView answers the current state of an entity. Evaluation only ever reads
// through this interface.
type StateView interface {
	State(id ID) State
}

// StateMap is a StateView backed by a map. Missing entities are pending.
type StateMap map[ID]State

// State implements StateView.
func (m StateMap) State(id ID) State {
	if st, ok := m[id]; ok {
		return st
	}
	return StatePending
}

// Evaluate decides the verdict of e against the states in view. It has no side
// effects and may be called concurrently with the same view.
func Evaluate(e Expr, view StateView) Verdict {
	switch x := e.(type) {
	case ID:
		return evaluateRef(view.State(x))
	case *AllExpr:
		return evaluateAll(x.Children, view)
	case *SeqExpr:
		return evaluateAll(x.Children, view)
	case *OneExpr:
		return evaluateOne(x.Children, view)
	case *OptExpr:
		switch Evaluate(x.Child, view) {
		case Pending:
			return Pending
		default:
			return Satisfied
		}
	case *OIfExpr:
		switch Evaluate(x.Child, view) {
		case Satisfied:
			return Satisfied
		case Pending:
			return Pending
		default:
			return Skipped
		}
	default:
		return Failed
	}
}

func evaluateRef(st State) Verdict {
	switch st {
	case StateCompleted:
		return Satisfied
	case StateFailed, StateExcluded, StateAbsent:
		return Failed
	case StateSkipped:
		return Skipped
	default:
		return Pending
	}
}

// evaluateAll gives failure precedence over skipping, and both over pending.
func evaluateAll(children []Expr, view StateView) Verdict {
	skipped, pending := false, false
	for _, c := range children {
		switch Evaluate(c, view) {
		case Failed:
			return Failed
		case Skipped:
			skipped = true
		case Pending:
			pending = true
		}
	}
	switch {
	case skipped:
		return Skipped
	case pending:
		return Pending
	default:
		return Satisfied
	}
}

func evaluateOne(children []Expr, view StateView) Verdict {
	failed, skipped := 0, 0
	for _, c := range children {
		switch Evaluate(c, view) {
		case Satisfied:
			return Satisfied
		case Failed:
			failed++
		case Skipped:
			skipped++
		}
	}
	switch {
	case failed == len(children):
		return Failed
	case failed+skipped == len(children):
		return Skipped
	default:
		return Pending
	}
}

// Demand records which services are needed by an open path from the requested
// goals, and which of those are held back by an unfinished SEQ predecessor.
type Demand struct {
	demanded map[ID]bool
	held     map[ID]bool
}

// Demanded reports whether a pending path from a goal needs id.
func (d *Demand) Demanded(id ID) bool {
	return d.demanded[id]
}

// Held reports whether some demanding path holds id behind a SEQ predecessor.
func (d *Demand) Held(id ID) bool {
	return d.held[id]
}

type demandKey struct {
	id   ID
	held bool
}

type demandWalker struct {
	reg     *Registry
	view    StateView
	demand  *Demand
	visited map[demandKey]bool
}

// ComputeDemand walks the pending part of the goals' expressions. Only pending
// subexpressions are descended into; OIF never creates demand. A reference to a
// service demands it and then demands its prerequisites unheld, while references to
// checkpoints and targets pass the held flag through.
func ComputeDemand(reg *Registry, goals []ID, view StateView) *Demand {
	w := &demandWalker{
		reg:     reg,
		view:    view,
		demand:  &Demand{demanded: make(map[ID]bool), held: make(map[ID]bool)},
		visited: make(map[demandKey]bool),
	}
	for _, g := range goals {
		w.ref(g, false)
	}
	return w.demand
}

func (w *demandWalker) expr(e Expr, held bool) {
	if Evaluate(e, w.view) != Pending {
		return
	}
	switch x := e.(type) {
	case ID:
		w.ref(x, held)
	case *AllExpr:
		for _, c := range x.Children {
			w.expr(c, held)
		}
	case *OneExpr:
		for _, c := range x.Children {
			w.expr(c, held)
		}
	case *OptExpr:
		w.expr(x.Child, held)
	case *OIfExpr:
		// conditional: used if produced elsewhere, never requested
	case *SeqExpr:
		h := held
		for _, c := range x.Children {
			w.expr(c, h)
			if Evaluate(c, w.view) != Satisfied {
				h = true
			}
		}
	}
}

func (w *demandWalker) ref(id ID, held bool) {
	key := demandKey{id: id, held: held}
	if w.visited[key] {
		return
	}
	w.visited[key] = true

	ent, err := w.reg.Lookup(id)
	if err != nil || ent.Depends == nil {
		return
	}
	if evaluateRef(w.view.State(id)) != Pending {
		return
	}

	if id.Kind == KindService {
		w.demand.demanded[id] = true
		if held {
			w.demand.held[id] = true
		}
		w.expr(ent.Depends, false)
		return
	}
	w.expr(ent.Depends, held)
}

// IsRunnable reports whether a pending service may be made runnable: its expression is
// satisfied, it is demanded by an open path from a goal and no SEQ path holds it.
func IsRunnable(ent *Entity, view StateView, d *Demand) bool {
	return ent.ID.Kind == KindService &&
		view.State(ent.ID) == StatePending &&
		Evaluate(ent.Depends, view) == Satisfied &&
		d.Demanded(ent.ID) && !d.Held(ent.ID)
}
