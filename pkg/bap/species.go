package bap

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kcri/bapflow/pkg/blackboard"
	"github.com/kcri/bapflow/pkg/executor"
)

// kmerFinderResults is the hit table KmerFinder writes to its output directory.
const kmerFinderResults = "results.txt"

// kcstOutput is where KCST's standard output lands in its job directory.
const kcstOutput = "stdout.log"

// parseKmerFinder reads the KmerFinder hit table, best hit first. The best
// hit becomes the closest reference and the species of all hits are
// published as detected.
func parseKmerFinder(x *executor.Execution, job executor.Job, results map[string]any) error {
	f, err := os.Open(job.FilePath(kmerFinderResults))
	if err != nil {
		return err
	}
	defer f.Close()

	hits, err := readKmerFinderHits(f)
	if err != nil {
		return fmt.Errorf("%s: %w", kmerFinderResults, err)
	}

	species := make([]string, 0, len(hits))
	for _, h := range hits {
		species = append(species, h.species)
	}
	results["species"] = species

	bb := x.Blackboard()
	if len(hits) > 0 {
		blackboard.PutClosestReference(bb, hits[0].ref)
		results["closest_reference"] = hits[0].ref.Accession
	}
	blackboard.AddDetectedSpecies(bb, species...)
	return nil
}

type kmerFinderHit struct {
	ref     blackboard.Reference
	species string
}

func readKmerFinderHits(r io.Reader) ([]kmerFinderHit, error) {
	tsv := csv.NewReader(r)
	tsv.Comma = '\t'
	tsv.FieldsPerRecord = -1
	tsv.LazyQuotes = true

	header, err := tsv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header")
		}
		return nil, err
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "#"))] = i
	}
	accCol, ok := col["Accession Number"]
	if !ok {
		if accCol, ok = col["Accession"]; !ok {
			return nil, errors.New("no accession column")
		}
	}
	field := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var hits []kmerFinderHit
	for {
		rec, err := tsv.Read()
		if errors.Is(err, io.EOF) {
			return hits, nil
		}
		if err != nil {
			return nil, err
		}
		if accCol >= len(rec) || strings.TrimSpace(rec[accCol]) == "" {
			continue
		}

		length, _ := strconv.Atoi(field(rec, "Template_length"))
		hits = append(hits, kmerFinderHit{
			ref: blackboard.Reference{
				Accession: strings.TrimSpace(rec[accCol]),
				Name:      field(rec, "Description"),
				Length:    length,
			},
			species: field(rec, "Species"),
		})
	}
}

// parseKCST reads the species KCST typed the sample as from its standard
// output: tab-separated lines of input file, species and sequence type, after
// optional "#" comment lines.
func parseKCST(x *executor.Execution, job executor.Job, results map[string]any) error {
	f, err := os.Open(job.FilePath(kcstOutput))
	if err != nil {
		return err
	}
	defer f.Close()

	var species []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return fmt.Errorf("malformed line: %q", line)
		}
		sp := strings.ReplaceAll(strings.TrimSpace(fields[1]), "_", " ")
		if sp != "" && sp != "Unknown" {
			species = append(species, sp)
		}
		if len(fields) > 2 && results["sequence_type"] == nil {
			results["sequence_type"] = strings.TrimSpace(fields[2])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	results["species"] = species
	blackboard.AddDetectedSpecies(x.Blackboard(), species...)
	return nil
}
