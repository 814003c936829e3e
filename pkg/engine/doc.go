// Package engine resolves which steps of a multi-stage analysis pipeline may run.
//
// # Overview
//
// A workflow is a closed set of entities held in a Registry:
//
//   - Params: user-supplied input flags, provided or absent
//   - Checkpoints: internal conditions reachable through more than one path
//   - Services: executable pipeline steps
//   - UserTargets: goals an operator can request
//
// Every entity other than a param owns one dependency expression built from the
// combinators ALL, ONE, OPT, OIF and SEQ over references (an ID is itself an Expr).
// Registries are validated eagerly and are immutable, so one registry can back any
// number of concurrent runs.
//
// # Evaluation
//
// Evaluate turns an expression and a StateView into a Verdict: Satisfied, Pending,
// Failed or Skipped. Skipped is a permanent non-fatal outcome: an OIF whose condition
// will never hold, or a branch no goal needs any more. OPT turns Failed and Skipped
// into Satisfied. Evaluation is pure.
//
// # Controller
//
// A Controller holds the state of one run:
//
//	reg := bap.Registry()
//	c, err := engine.NewController(reg, engine.Request{
//	    Params:  []engine.ID{engine.Param("reads"), engine.Param("illumina")},
//	    Targets: []engine.ID{engine.UserTarget("assembly")},
//	})
//	for !c.Status().IsTerminal() {
//	    for _, id := range c.Runnable() {
//	        _ = c.MarkStarted(id)
//	        // hand id to a scheduler, later MarkCompleted or MarkFailed
//	    }
//	}
//
// After every mutation the controller recomputes to a fixed point in dependency
// order. A service becomes runnable only when its expression is satisfied, a pending
// path from a requested goal needs it, and no unfinished SEQ predecessor holds it.
// Services no goal needs any more are skipped, which is how the losing alternatives
// of a ONE are retired.
//
// The engine performs no I/O. Observers registered with WithObserver see every
// transition and are how logging, metrics and the journal follow a run.
package engine
