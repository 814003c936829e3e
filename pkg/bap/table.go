// Package bap declares the Bacterial Analysis Pipeline workflow: its params,
// checkpoints, services and user targets, the dependencies between them, and
// the shims that run each service's backend.
package bap

import (
	"sync"

	"github.com/kcri/bapflow/pkg/engine"
)

// Params signal which inputs the user provided.
var (
	ParamReads     = engine.Param("reads")     // fastq files
	ParamContigs   = engine.Param("contigs")   // assembled contigs
	ParamSpecies   = engine.Param("species")   // species name
	ParamPlasmids  = engine.Param("plasmids")  // plasmid names
	ParamReference = engine.Param("reference") // reference genome
	ParamIllumina  = engine.Param("illumina")  // the fastqs are Illumina reads
)

// Checkpoints are facts that either the user or a service can establish.
var (
	CheckpointContigs   = engine.Checkpoint("contigs")
	CheckpointSpecies   = engine.Checkpoint("species")
	CheckpointPlasmids  = engine.Checkpoint("plasmids")
	CheckpointReference = engine.Checkpoint("reference")
)

// Services.
var (
	ServiceReadsMetrics    = engine.Service("ReadsMetrics")
	ServiceQuast           = engine.Service("Quast")
	ServiceSKESA           = engine.Service("SKESA")
	ServiceSPAdes          = engine.Service("SPAdes")
	ServiceMLSTFinder      = engine.Service("MLSTFinder")
	ServiceKCST            = engine.Service("KCST")
	ServiceKmerFinder      = engine.Service("KmerFinder")
	ServiceGetReference    = engine.Service("GetReference")
	ServiceResFinder       = engine.Service("ResFinder")
	ServicePointFinder     = engine.Service("PointFinder")
	ServiceVirulenceFinder = engine.Service("VirulenceFinder")
	ServicePlasmidFinder   = engine.Service("PlasmidFinder")
	ServicePMLSTFinder     = engine.Service("pMLSTFinder")
	ServiceCgMLSTFinder    = engine.Service("cgMLSTFinder")
	ServiceCholeraeFinder  = engine.Service("CholeraeFinder")
	ServicePROKKA          = engine.Service("PROKKA")
)

// User targets.
var (
	TargetMetrics     = engine.UserTarget("metrics")
	TargetAssembly    = engine.UserTarget("assembly")
	TargetSpecies     = engine.UserTarget("species")
	TargetReference   = engine.UserTarget("reference")
	TargetMLST        = engine.UserTarget("mlst")
	TargetResistance  = engine.UserTarget("resistance")
	TargetVirulence   = engine.UserTarget("virulence")
	TargetPlasmids    = engine.UserTarget("plasmids")
	TargetPMLST       = engine.UserTarget("pmlst")
	TargetCgMLST      = engine.UserTarget("cgmlst")
	TargetSpecialised = engine.UserTarget("specialised")
	TargetAnnotation  = engine.UserTarget("annotation")
	TargetDefault     = engine.UserTarget("DEFAULT")
	TargetFull        = engine.UserTarget("FULL")
)

// readsOrContigs is the input most services accept in either form.
func readsOrContigs() engine.Expr {
	return engine.One(ParamReads, CheckpointContigs)
}

// Declarations returns the BAP entities in declaration order.
func Declarations() []engine.Entity {
	return []engine.Entity{
		{ID: ParamReads, Description: "user has provided fastq files"},
		{ID: ParamContigs, Description: "user has provided contigs"},
		{ID: ParamSpecies, Description: "user has specified the species"},
		{ID: ParamPlasmids, Description: "user has specified the plasmids"},
		{ID: ParamReference, Description: "user has specified a reference genome"},
		{ID: ParamIllumina, Description: "fastqs are Illumina reads"},

		{ID: CheckpointContigs, Depends: engine.One(ParamContigs, ServiceSKESA, ServiceSPAdes),
			Description: "contigs are available either as inputs or from assembly"},
		{ID: CheckpointSpecies, Depends: engine.One(ParamSpecies, ServiceKmerFinder, ServiceKCST),
			Description: "species is known, either from user input or a service"},
		{ID: CheckpointPlasmids, Depends: engine.One(ParamPlasmids, ServicePlasmidFinder),
			Description: "plasmids are known, either from user input or a service"},
		{ID: CheckpointReference, Depends: engine.One(ParamReference, ServiceGetReference),
			Description: "reference is known, either from user input or a service"},

		{ID: ServiceReadsMetrics, Depends: engine.OIf(ParamReads)},
		{ID: ServiceQuast, Depends: engine.All(engine.OIf(CheckpointContigs), engine.Opt(CheckpointReference))},
		{ID: ServiceSKESA, Depends: engine.All(ParamIllumina, ParamReads)},
		{ID: ServiceSPAdes, Depends: engine.One(ParamReads, engine.All(ParamReads, ParamContigs))},
		{ID: ServiceMLSTFinder, Depends: engine.All(CheckpointSpecies, readsOrContigs())},
		{ID: ServiceKCST, Depends: CheckpointContigs},
		{ID: ServiceKmerFinder, Depends: readsOrContigs()},
		// TODO: also run GetReference when the species is given and KmerFinder did not run.
		{ID: ServiceGetReference, Depends: ServiceKmerFinder},
		{ID: ServiceResFinder, Depends: readsOrContigs()},
		{ID: ServicePointFinder, Depends: engine.All(CheckpointSpecies, readsOrContigs())},
		{ID: ServiceVirulenceFinder, Depends: engine.All(engine.Opt(TargetSpecies), readsOrContigs())},
		{ID: ServicePlasmidFinder, Depends: readsOrContigs()},
		{ID: ServicePMLSTFinder, Depends: engine.All(CheckpointPlasmids, readsOrContigs())},
		{ID: ServiceCgMLSTFinder, Depends: engine.All(CheckpointSpecies, readsOrContigs())},
		{ID: ServiceCholeraeFinder, Depends: engine.All(CheckpointSpecies, readsOrContigs())},
		{ID: ServicePROKKA, Depends: engine.All(CheckpointSpecies, CheckpointContigs, CheckpointReference)},

		{ID: TargetMetrics, Depends: engine.All(engine.Opt(ServiceQuast), engine.Opt(ServiceReadsMetrics))},
		{ID: TargetAssembly, Depends: engine.One(ServiceSKESA, ServiceSPAdes)},
		{ID: TargetSpecies, Depends: CheckpointSpecies},
		{ID: TargetReference, Depends: CheckpointReference},
		{ID: TargetMLST, Depends: engine.One(ServiceMLSTFinder, ServiceKCST)},
		{ID: TargetResistance, Depends: engine.All(engine.Opt(ServiceResFinder), engine.Opt(ServicePointFinder))},
		{ID: TargetVirulence, Depends: ServiceVirulenceFinder},
		{ID: TargetPlasmids, Depends: engine.Seq(ServicePlasmidFinder, ServicePMLSTFinder)},
		{ID: TargetPMLST, Depends: engine.Seq(CheckpointPlasmids, ServicePMLSTFinder)},
		{ID: TargetCgMLST, Depends: ServiceCgMLSTFinder},
		{ID: TargetSpecialised, Depends: engine.Opt(ServiceCholeraeFinder)},
		{ID: TargetAnnotation, Depends: ServicePROKKA},
		// All optional so the pipeline runs till the end even if one fails.
		{ID: TargetDefault, Depends: engine.All(
			engine.Opt(TargetMetrics), engine.Opt(TargetSpecies),
			engine.Opt(TargetMLST), engine.Opt(TargetResistance),
			engine.Opt(TargetVirulence), engine.Opt(TargetPlasmids),
		)},
		{ID: TargetFull, Depends: engine.All(
			TargetDefault, engine.Opt(TargetAssembly),
			engine.Opt(TargetCgMLST), engine.Opt(TargetSpecialised),
		)},
	}
}

var (
	registryOnce sync.Once
	registry     *engine.Registry
)

// Registry returns the validated BAP registry. It is built once and shared.
func Registry() *engine.Registry {
	registryOnce.Do(func() {
		registry = engine.MustRegistry(Declarations()...)
	})
	return registry
}
