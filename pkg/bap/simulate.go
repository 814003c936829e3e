package bap

import (
	"os"
	"path/filepath"

	"github.com/kcri/bapflow/pkg/executor"
)

// Canned backend output of simulated runs: an Escherichia coli sample closest
// to the ATCC 25922 genome.
const (
	simulatedKmerFinderResults = "#Assembly\tScore\tTemplate_length\tAccession Number\tDescription\tSpecies\n" +
		"NZ_CP009072.1\t10215\t5130767\tNZ_CP009072.1\tEscherichia coli ATCC 25922, complete genome\tEscherichia coli\n" +
		"NZ_CP011342.2\t4120\t4592041\tNZ_CP011342.2\tShigella flexneri 2a str. 2457T, complete genome\tShigella flexneri\n"
	simulatedKCSTOutput = "#query\tspecies\tST\n" +
		"sample\tEscherichia_coli\t73\n"
)

// SimulateOutput writes the output a BAP backend job leaves in dir, for the
// programs whose output drives later services. It serves as the Produce
// function of an executor.SimulatedScheduler.
func SimulateOutput(spec executor.JobSpec, dir string) error {
	switch spec.Program {
	case "kmerfinder.py":
		return os.WriteFile(filepath.Join(dir, kmerFinderResults), []byte(simulatedKmerFinderResults), 0o644)
	case "kcst":
		return os.WriteFile(filepath.Join(dir, kcstOutput), []byte(simulatedKCSTOutput), 0o644)
	case getReferenceSpec.Program:
		if len(spec.Args) > 1 && spec.Args[0] == "--out-file" {
			return os.WriteFile(filepath.Join(dir, spec.Args[1]), []byte(">NZ_CP009072.1\nACGT\n"), 0o644)
		}
	}
	return nil
}
