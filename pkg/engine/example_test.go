package engine_test

import (
	"fmt"

	"github.com/kcri/bapflow/pkg/engine"
)

// Example_workflow walks one run of a two-assembler workflow: either assembler
// produces the assembly, so the second is skipped once the first completes.
func Example_workflow() {
	var (
		reads    = engine.Param("reads")
		illumina = engine.Param("illumina")
		skesa    = engine.Service("SKESA")
		spades   = engine.Service("SPAdes")
		assembly = engine.UserTarget("assembly")
	)

	reg := engine.MustRegistry(
		engine.Entity{ID: reads},
		engine.Entity{ID: illumina},
		engine.Entity{ID: skesa, Depends: engine.All(illumina, reads)},
		engine.Entity{ID: spades, Depends: reads},
		engine.Entity{ID: assembly, Depends: engine.One(skesa, spades)},
	)

	c, err := engine.NewController(reg, engine.Request{
		Params:  []engine.ID{reads, illumina},
		Targets: []engine.ID{assembly},
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(c.Status(), c.Runnable())

	_ = c.MarkStarted(skesa)
	_ = c.MarkCompleted(skesa)
	fmt.Println(c.Status(), c.Completed(), c.Skipped())

	// Output:
	// running [service:SKESA service:SPAdes]
	// completed [service:SKESA target:assembly] [service:SPAdes]
}

// ExampleEvaluate shows how the combinators treat a failed dependency.
func ExampleEvaluate() {
	a, b := engine.Service("a"), engine.Service("b")
	view := engine.StateMap{
		a: engine.StateCompleted,
		b: engine.StateFailed,
	}

	fmt.Println(engine.Evaluate(engine.All(a, b), view))
	fmt.Println(engine.Evaluate(engine.All(a, engine.Opt(b)), view))
	fmt.Println(engine.Evaluate(engine.One(b, a), view))
	fmt.Println(engine.Evaluate(engine.OIf(b), view))

	// Output:
	// failed
	// satisfied
	// satisfied
	// skipped
}

// ExampleRegistry_ParseAny resolves user input that may name entities of
// several kinds.
func ExampleRegistry_ParseAny() {
	reg := engine.MustRegistry(
		engine.Entity{ID: engine.Param("species")},
		engine.Entity{ID: engine.Service("KmerFinder"), Depends: engine.Param("species")},
		engine.Entity{ID: engine.UserTarget("species"), Depends: engine.Service("KmerFinder")},
	)

	id, _ := reg.ParseAny("species", engine.KindUserTarget, engine.KindService)
	fmt.Println(id)

	id, _ = reg.ParseAny("param:species")
	fmt.Println(id)

	_, err := reg.ParseAny("KmerFinder", engine.KindUserTarget)
	fmt.Println(err != nil)

	// Output:
	// target:species
	// param:species
	// true
}
