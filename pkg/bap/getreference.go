package bap

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kcri/bapflow/pkg/blackboard"
	"github.com/kcri/bapflow/pkg/executor"
)

// GetReference backend ceilings.
var getReferenceSpec = executor.JobSpec{
	Program:  "kma-retrieve",
	CPU:      1,
	MemoryGB: 1,
	DiskGB:   1,
	Time:     60 * time.Minute,
}

// GetReferenceShim retrieves the closest reference genome that KmerFinder found
// from the KmerFinder database.
type GetReferenceShim struct{}

// Execute submits the retrieval job.
func (GetReferenceShim) Execute(ctx context.Context, ident string, bb blackboard.Blackboard, sched executor.Scheduler) *executor.Execution {
	x := executor.NewExecution(ServiceGetReference.Name, ident, bb, sched)

	executor.Guard(x, func() error {
		closest, _ := blackboard.ClosestReference(bb)
		if closest.Accession == "" {
			return executor.NewUserError("no closest reference was found")
		}

		root, err := blackboard.DBPath(bb, "kmerfinder")
		if err != nil {
			return executor.NewUserError("%s", err.Error())
		}
		kmaDB, _, err := findKmerDB(root, blackboard.UserInput(bb, "kf_s", ""))
		if err != nil {
			return err
		}

		// accessions are assumed to be safe file names
		outFile := closest.Accession + ".fna"

		spec := getReferenceSpec
		spec.Args = []string{"--out-file", outFile, kmaDB, closest.Accession}

		return x.Start(ctx, "retrieve-ref", "Reference", spec, func(x *executor.Execution, job executor.Job) {
			path := job.FilePath(outFile)
			if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
				x.Fail("backend job produced no output, check: %s", job.FilePath(""))
				return
			}
			x.StoreResults(map[string]any{"fasta_file": path})
			blackboard.PutClosestReferencePath(x.Blackboard(), path)
		})
	})

	return x
}

// findKmerDB locates the KMA database and taxonomy file for a KmerFinder
// search below root. The search defaults to "bacteria".
func findKmerDB(root, search string) (db, tax string, err error) {
	if search == "" {
		search = "bacteria"
	}

	prefix := filepath.Join(root, search, search)
	for _, candidate := range []string{prefix + ".ATG", prefix} {
		if _, err := os.Stat(candidate + ".name"); err == nil {
			return candidate, prefix + ".tax", nil
		}
	}
	return "", "", executor.NewUserError("no KmerFinder database found for %s in %s", search, root)
}
