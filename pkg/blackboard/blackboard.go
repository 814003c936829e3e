// Package blackboard holds the shared data services read their inputs from and
// publish their outputs to during a workflow run.
package blackboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Key namespaces.
const (
	nsInputs   = "inputs"
	nsDBPaths  = "db_paths"
	nsServices = "services"

	keyClosestReference     = "closest_reference"
	keyClosestReferencePath = "closest_reference_path"
	keyDetectedSpecies      = "detected_species"
)

// Blackboard is a key-value store shared by the services of one run.
type Blackboard interface {
	Get(key string) (any, bool)
	Put(key string, value any)
}

// PutHook is called after every Put with the key and value stored.
type PutHook func(key string, value any)

// Memory is an in-memory Blackboard safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]any
	hooks []PutHook
}

// New returns an empty in-memory blackboard.
func New() *Memory {
	return &Memory{data: make(map[string]any)}
}

// Get returns the value stored under key.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Put stores value under key, replacing any previous value.
func (m *Memory) Put(key string, value any) {
	m.mu.Lock()
	m.data[key] = value
	hooks := append([]PutHook(nil), m.hooks...)
	m.mu.Unlock()

	for _, h := range hooks {
		h(key, value)
	}
}

// OnPut registers a hook called after every Put.
func (m *Memory) OnPut(h PutHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Keys returns all keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON renders the blackboard as a flat JSON object.
func (m *Memory) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.data)
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Reference describes the closest reference genome found for a sample.
type Reference struct {
	Accession string `json:"accession"`
	Name      string `json:"name,omitempty"`
	Length    int    `json:"length,omitempty"`
}

// ClosestReference returns the closest reference, if one was published.
func ClosestReference(b Blackboard) (Reference, bool) {
	v, ok := b.Get(keyClosestReference)
	if !ok {
		return Reference{}, false
	}
	ref, ok := v.(Reference)
	return ref, ok
}

// PutClosestReference publishes the closest reference.
func PutClosestReference(b Blackboard, ref Reference) {
	b.Put(keyClosestReference, ref)
}

// ClosestReferencePath returns the path of the retrieved reference sequence.
func ClosestReferencePath(b Blackboard) (string, bool) {
	return getString(b, keyClosestReferencePath)
}

// PutClosestReferencePath publishes the path of the retrieved reference sequence.
func PutClosestReferencePath(b Blackboard, path string) {
	b.Put(keyClosestReferencePath, path)
}

// DetectedSpecies returns the species that services detected, best match
// first.
func DetectedSpecies(b Blackboard) []string {
	v, ok := b.Get(keyDetectedSpecies)
	if !ok {
		return nil
	}
	species, _ := v.([]string)
	return species
}

// speciesMu serializes the read-modify-write of AddDetectedSpecies.
var speciesMu sync.Mutex

// AddDetectedSpecies appends species not yet detected, keeping the order in
// which services reported them.
func AddDetectedSpecies(b Blackboard, species ...string) {
	speciesMu.Lock()
	defer speciesMu.Unlock()

	known := DetectedSpecies(b)
	seen := make(map[string]bool, len(known))
	for _, sp := range known {
		seen[sp] = true
	}
	out := append([]string(nil), known...)
	for _, sp := range species {
		if sp != "" && !seen[sp] {
			seen[sp] = true
			out = append(out, sp)
		}
	}
	b.Put(keyDetectedSpecies, out)
}

// Species returns the species to analyse the sample as: the one the user
// specified, else the best detected one.
func Species(b Blackboard) (string, bool) {
	if sp := UserInput(b, "species", ""); sp != "" {
		return sp, true
	}
	if detected := DetectedSpecies(b); len(detected) > 0 {
		return detected[0], true
	}
	return "", false
}

// DBPath returns the root directory of the named database.
func DBPath(b Blackboard, db string) (string, error) {
	path, ok := getString(b, join(nsDBPaths, db))
	if !ok || path == "" {
		return "", fmt.Errorf("no database path configured for %s", db)
	}
	return path, nil
}

// PutDBPath sets the root directory of the named database.
func PutDBPath(b Blackboard, db, path string) {
	b.Put(join(nsDBPaths, db), path)
}

// UserInput returns a user-supplied input, or def when it was not given.
func UserInput(b Blackboard, name, def string) string {
	if v, ok := getString(b, join(nsInputs, name)); ok && v != "" {
		return v
	}
	return def
}

// UserInputs returns all user-supplied inputs keyed by name.
func UserInputs(b *Memory) map[string]string {
	out := make(map[string]string)
	prefix := nsInputs + "/"
	for _, k := range b.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v, ok := getString(b, k); ok {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// PutUserInput records a user-supplied input.
func PutUserInput(b Blackboard, name, value string) {
	b.Put(join(nsInputs, name), value)
}

// ResultsKey is the key under which a service execution stores its results.
func ResultsKey(service, ident string) string {
	return join(nsServices, service, ident, "results")
}

// Results returns the results a service execution published.
func Results(b Blackboard, service, ident string) (map[string]any, bool) {
	v, ok := b.Get(ResultsKey(service, ident))
	if !ok {
		return nil, false
	}
	res, ok := v.(map[string]any)
	return res, ok
}

// PutResults publishes the results of a service execution.
func PutResults(b Blackboard, service, ident string, results map[string]any) {
	b.Put(ResultsKey(service, ident), results)
}

// PutJobSpec records the job a service execution submitted. spec is stored as
// given; callers pass a JSON-friendly value.
func PutJobSpec(b Blackboard, service, ident string, spec any) {
	b.Put(join(nsServices, service, ident, "job"), spec)
}

// JobSpec returns the job a service execution submitted.
func JobSpec(b Blackboard, service, ident string) (any, bool) {
	return b.Get(join(nsServices, service, ident, "job"))
}

func getString(b Blackboard, key string) (string, bool) {
	v, ok := b.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
