package engine

import (
	"fmt"
	"sync"
)

// Request describes one workflow run: the provided params, the requested goals and
// the entities the operator excluded.
type Request struct {
	// Params are the provided params. Every other param is absent.
	Params []ID `json:"params"`

	// Targets are the requested goals. Any entity other than a param may be a goal.
	Targets []ID `json:"targets"`

	// Excluded are services or user targets that must never run or complete.
	Excluded []ID `json:"excluded,omitempty"`
}

// Transition records one state change of one entity.
type Transition struct {
	ID   ID    `json:"id"`
	From State `json:"from"`
	To   State `json:"to"`

	// Cause is the operation that triggered the change: "init", "start",
	// "complete", "fail" or "resolve" for changes derived by recomputation.
	Cause string `json:"cause"`
}

// Observer receives transitions after the controller has released its lock. It
// may query the controller but must not block for long.
type Observer func(Transition)

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers an observer for every state transition.
func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		if obs != nil {
			c.observers = append(c.observers, obs)
		}
	}
}

// Controller holds the state of one workflow run and re-derives it after every
// mutation. Queries may run concurrently; mutations are serialized.
type Controller struct {
	reg       *Registry
	goals     []ID
	states    StateMap
	reachable map[ID]bool
	order     []ID
	observers []Observer

	mu sync.RWMutex
}

// NewController seeds the state of a run and resolves it to a fixed point.
func NewController(reg *Registry, req Request, opts ...Option) (*Controller, error) {
	if reg == nil {
		return nil, NewInternalError("registry is nil", nil)
	}

	c := &Controller{
		reg:    reg,
		states: make(StateMap, reg.Len()),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, ent := range reg.Entities() {
		if ent.ID.Kind == KindParam {
			c.states[ent.ID] = StateAbsent
		} else {
			c.states[ent.ID] = StatePending
		}
	}

	var changes []Transition

	for _, id := range req.Params {
		if err := c.require(id, "param", KindParam); err != nil {
			return nil, err
		}
		// a param's state is fixed here and never reported as a transition
		c.states[id] = StateCompleted
	}

	seen := make(map[ID]bool)
	for _, id := range req.Targets {
		if err := c.require(id, "target", KindCheckpoint, KindService, KindUserTarget); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			c.goals = append(c.goals, id)
		}
	}

	for _, id := range req.Excluded {
		if err := c.require(id, "exclude", KindService, KindUserTarget); err != nil {
			return nil, err
		}
		if c.states[id] != StateExcluded {
			changes = append(changes, c.set(id, StateExcluded, "init"))
		}
	}

	c.reachable = reg.Graph().Reachable(c.goals...)
	for _, id := range reg.Graph().TopologicalOrder() {
		if c.reachable[id] && id.Kind != KindParam {
			c.order = append(c.order, id)
		}
	}

	changes = append(changes, c.recompute()...)
	c.notify(changes)

	return c, nil
}

func (c *Controller) require(id ID, operation string, kinds ...Kind) error {
	if _, err := c.reg.Lookup(id); err != nil {
		return err
	}
	if !containsKind(kinds, id.Kind) {
		return NewInputError(fmt.Sprintf("%s cannot be used as a %s", id, operation), nil).
			WithEntity(id).WithOperation(operation)
	}
	return nil
}

// Registry returns the registry the controller resolves against.
func (c *Controller) Registry() *Registry {
	return c.reg
}

// Goals returns the requested goals in request order, without duplicates.
func (c *Controller) Goals() []ID {
	return append([]ID(nil), c.goals...)
}

// State returns the current state of id.
func (c *Controller) State(id ID) (State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.states[id]
	if !ok {
		return "", NewLookupError(fmt.Sprintf("unknown entity %s", id), nil).WithEntity(id)
	}
	return st, nil
}

// Verdict returns the current verdict of id's dependency expression. Params
// report Satisfied when provided and Failed otherwise.
func (c *Controller) Verdict(id ID) (Verdict, error) {
	ent, err := c.reg.Lookup(id)
	if err != nil {
		return Pending, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if ent.Depends == nil {
		return evaluateRef(c.states[id]), nil
	}
	return Evaluate(ent.Depends, c.states), nil
}

// Reachable reports whether id is statically reachable from the requested goals.
func (c *Controller) Reachable(id ID) bool {
	return c.reachable[id]
}

// Snapshot returns a copy of the state of every reachable entity, params included.
func (c *Controller) Snapshot() map[ID]State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[ID]State, len(c.reachable))
	for id := range c.reachable {
		out[id] = c.states[id]
	}
	return out
}

// Runnable returns the services that may be started now.
func (c *Controller) Runnable() []ID { return c.list(StateRunnable) }

// Started returns the services that were started and have not yet finished.
func (c *Controller) Started() []ID { return c.list(StateStarted) }

// Completed returns the entities that completed.
func (c *Controller) Completed() []ID { return c.list(StateCompleted) }

// Failed returns the entities that failed or were excluded.
func (c *Controller) Failed() []ID { return c.list(StateFailed, StateExcluded) }

// Skipped returns the entities that are no longer needed.
func (c *Controller) Skipped() []ID { return c.list(StateSkipped) }

// list returns the reachable non-param entities in the given states, in
// declaration order.
func (c *Controller) list(states ...State) []ID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ID, 0)
	for _, ent := range c.reg.Entities() {
		id := ent.ID
		if id.Kind == KindParam || !c.reachable[id] {
			continue
		}
		st := c.states[id]
		for _, want := range states {
			if st == want {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// MarkStarted records that a runnable service was handed to a scheduler.
func (c *Controller) MarkStarted(id ID) error {
	return c.mark(id, StateRunnable, StateStarted, "start")
}

// MarkCompleted records that a started service completed. A service whose ONE
// group was already decided by a sibling completes without further effect.
func (c *Controller) MarkCompleted(id ID) error {
	return c.mark(id, StateStarted, StateCompleted, "complete")
}

// MarkFailed records that a started service failed. Cancellation is reported as
// failure.
func (c *Controller) MarkFailed(id ID) error {
	return c.mark(id, StateStarted, StateFailed, "fail")
}

func (c *Controller) mark(id ID, from, to State, cause string) error {
	if _, err := c.reg.Lookup(id); err != nil {
		return err
	}

	c.mu.Lock()
	cur := c.states[id]
	if cur != from || !c.reachable[id] {
		c.mu.Unlock()
		return NewTransitionError(
			fmt.Sprintf("cannot %s %s: state is %s, want %s", cause, id, cur, from),
			nil,
		).WithEntity(id).WithOperation(cause).
			WithDetail("state", string(cur)).
			WithDetail("required", string(from))
	}

	changes := []Transition{c.set(id, to, cause)}
	if to != StateStarted {
		changes = append(changes, c.recompute()...)
	}
	c.mu.Unlock()

	c.notify(changes)
	return nil
}

// Status derives the overall status of the run from the goals' states.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unresolved := false
	for _, g := range c.goals {
		switch c.states[g] {
		case StateFailed, StateExcluded:
			return StatusFailed
		case StateCompleted, StateSkipped:
		default:
			unresolved = true
		}
	}
	if !unresolved {
		return StatusCompleted
	}

	for _, id := range c.order {
		if st := c.states[id]; st == StateRunnable || st == StateStarted {
			return StatusRunning
		}
	}
	// nothing can move: the run is stalled
	return StatusFailed
}

// recompute re-derives every reachable pending or runnable entity until a pass
// makes no change. Demand is recomputed per pass since it shrinks as paths close.
// The caller holds the write lock.
func (c *Controller) recompute() []Transition {
	var changes []Transition
	for {
		demand := ComputeDemand(c.reg, c.goals, c.states)
		changed := false

		for _, id := range c.order {
			cur := c.states[id]
			if cur != StatePending && cur != StateRunnable {
				continue
			}
			ent := c.reg.index[id]
			next := c.derive(ent, cur, demand)
			if next != cur {
				changes = append(changes, c.set(id, next, "resolve"))
				changed = true
			}
		}

		if !changed {
			return changes
		}
	}
}

// derive computes the next state of a pending or runnable entity.
func (c *Controller) derive(ent *Entity, cur State, demand *Demand) State {
	verdict := Evaluate(ent.Depends, c.states)
	switch {
	case verdict == Failed:
		if cur == StatePending {
			return StateFailed
		}
	case verdict == Skipped:
		return StateSkipped
	case ent.ID.Kind == KindService && !demand.Demanded(ent.ID):
		return StateSkipped
	case verdict == Satisfied:
		if ent.ID.Kind.IsVirtual() {
			return StateCompleted
		}
		if IsRunnable(ent, c.states, demand) {
			return StateRunnable
		}
	}
	return cur
}

func (c *Controller) set(id ID, to State, cause string) Transition {
	t := Transition{ID: id, From: c.states[id], To: to, Cause: cause}
	c.states[id] = to
	return t
}

func (c *Controller) notify(changes []Transition) {
	for _, t := range changes {
		for _, obs := range c.observers {
			obs(t)
		}
	}
}
