package bap

import (
	"time"

	"github.com/kcri/bapflow/pkg/executor"
)

// job builds a command template. Inputs arrive through the "inputs" user input,
// databases through their configured paths.
func job(group, program string, cpu, mem, disk int, minutes int, args ...string) *executor.CommandShim {
	return &executor.CommandShim{
		Group: group,
		Spec: executor.JobSpec{
			Program:  program,
			Args:     args,
			CPU:      cpu,
			MemoryGB: mem,
			DiskGB:   disk,
			Time:     time.Duration(minutes) * time.Minute,
		},
	}
}

// commandShims are the services run as a single templated command.
func commandShims() map[string]*executor.CommandShim {
	kcst := job("MLST", "kcst", 1, 2, 1, 10, "-d", "${db:kcst}", "${inputs}")
	kcst.Outputs = []string{kcstOutput}
	kcst.Parse = parseKCST

	kmerFinder := job("Species", "kmerfinder.py", 1, 2, 1, 10, "-db", "${db:kmerfinder}", "-o", ".", "-i", "${inputs}")
	kmerFinder.Outputs = []string{kmerFinderResults}
	kmerFinder.Parse = parseKmerFinder

	return map[string]*executor.CommandShim{
		ServiceReadsMetrics.Name:    job("Metrics", "fastq-stats", 1, 1, 1, 10, "-o", "metrics.json", "${inputs}"),
		ServiceQuast.Name:           job("Metrics", "quast.py", 2, 2, 1, 10, "-o", ".", "${inputs}"),
		ServiceSKESA.Name:           job("Assembly", "skesa", 4, 12, 10, 60, "--cores", "4", "--contigs_out", "contigs.fna", "--reads", "${inputs}"),
		ServiceSPAdes.Name:          job("Assembly", "spades.py", 4, 16, 20, 120, "-t", "4", "-o", ".", "${inputs}"),
		ServiceMLSTFinder.Name:      job("MLST", "mlst", 1, 1, 1, 10, "-p", "${db:mlst}", "-s", "${species}", "-o", ".", "${inputs}"),
		ServiceKCST.Name:            kcst,
		ServiceKmerFinder.Name:      kmerFinder,
		ServiceResFinder.Name:       job("Resistance", "run_resfinder.py", 1, 1, 1, 10, "-db_res", "${db:resfinder}", "-o", ".", "-ifa", "${inputs}"),
		ServicePointFinder.Name:     job("Resistance", "run_resfinder.py", 1, 1, 1, 10, "-c", "-db_point", "${db:pointfinder}", "-s", "${species}", "-o", ".", "-ifa", "${inputs}"),
		ServiceVirulenceFinder.Name: job("Virulence", "virulencefinder.py", 1, 1, 1, 10, "-p", "${db:virulencefinder}", "-o", ".", "-i", "${inputs}"),
		ServicePlasmidFinder.Name:   job("Plasmids", "plasmidfinder.py", 1, 1, 1, 10, "-p", "${db:plasmidfinder}", "-o", ".", "-i", "${inputs}"),
		ServicePMLSTFinder.Name:     job("Plasmids", "pmlst.py", 1, 1, 1, 10, "-p", "${db:pmlst}", "-o", ".", "-i", "${inputs}"),
		ServiceCgMLSTFinder.Name:    job("MLST", "cgMLST.py", 2, 4, 2, 30, "-db", "${db:cgmlst}", "-s", "${species}", "-o", ".", "${inputs}"),
		ServiceCholeraeFinder.Name:  job("Specialised", "choleraefinder.py", 1, 1, 1, 10, "-p", "${db:choleraefinder}", "-o", ".", "-i", "${inputs}"),
		ServicePROKKA.Name:          job("Annotation", "prokka", 4, 8, 4, 60, "--cpus", "4", "--outdir", ".", "--force", "${inputs}"),
	}
}

// Shims returns a shim for every BAP service.
func Shims() map[string]executor.Shim {
	shims := map[string]executor.Shim{
		ServiceGetReference.Name: GetReferenceShim{},
	}
	for name, s := range commandShims() {
		s.Service = name
		shims[name] = s
	}
	return shims
}

// Databases are the backend databases the services look up by name.
var Databases = []string{
	"kmerfinder", "kcst", "mlst", "resfinder", "pointfinder", "virulencefinder",
	"plasmidfinder", "pmlst", "cgmlst", "choleraefinder",
}
