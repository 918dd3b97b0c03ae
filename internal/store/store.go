// File: internal/store/store.go
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Persisted file names under the state directory.
const (
	genesFile              = "genes.json"
	capsulesFile           = "capsules.json"
	eventsFile             = "events.jsonl"
	candidatesFile         = "candidates.jsonl"
	externalCandidatesFile = "external_candidates.jsonl"
	errorsFile             = "errors.jsonl"
	personalityFile        = "personality_state.json"
	lastRunFile            = "last_run.json"
)

// fileVersion tags the JSON container files.
const fileVersion = "1"

// GeneFile is the on-disk shape of genes.json.
type GeneFile struct {
	Version string         `json:"version"`
	Genes   []schemas.Gene `json:"genes"`
}

// CapsuleFile is the on-disk shape of capsules.json.
type CapsuleFile struct {
	Version  string            `json:"version"`
	Capsules []schemas.Capsule `json:"capsules"`
}

// LastRun carries state from one cycle into the next: the ledger head for
// causal chaining, the untracked-file baseline for blast radius, and any
// context the planner staged for the upcoming cycle.
type LastRun struct {
	EventID           string            `json:"event_id,omitempty"`
	GeneID            string            `json:"gene_id,omitempty"`
	Intent            string            `json:"intent,omitempty"`
	Signals           []string          `json:"signals,omitempty"`
	Mutation          *schemas.Mutation `json:"mutation,omitempty"`
	Outcome           schemas.Outcome   `json:"outcome,omitempty"`
	UntrackedBaseline []string          `json:"untracked_baseline,omitempty"`
	At                string            `json:"at,omitempty"`
}

// Store is the single-writer handle over the state directory. Each persisted
// file has its own mutex; concurrent cycles in one process serialize here.
type Store struct {
	dir    string
	logger *zap.Logger

	genesMu       sync.Mutex
	capsulesMu    sync.Mutex
	eventsMu      sync.Mutex
	candidatesMu  sync.Mutex
	externalMu    sync.Mutex
	errorsMu      sync.Mutex
	personalityMu sync.Mutex
	lastRunMu     sync.Mutex
}

// New opens (creating if needed) the state directory and returns a store
// handle bound to it.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating state dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger.Named("store")}, nil
}

// Dir returns the state directory the store is bound to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// writeAtomic writes data to path via a temp file in the same directory plus
// rename, so readers never observe a torn file.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: renaming %s into place: %w", tmp, err)
	}
	return nil
}

// readJSON unmarshals path into v. A missing or empty file leaves v untouched
// and reports found=false.
func (s *Store) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: parsing %s: %w", path, err)
	}
	return true, nil
}

// -- Genes --

// LoadGenes returns every persisted gene. A cold store yields an empty slice.
func (s *Store) LoadGenes() ([]schemas.Gene, error) {
	s.genesMu.Lock()
	defer s.genesMu.Unlock()
	return s.loadGenesLocked()
}

func (s *Store) loadGenesLocked() ([]schemas.Gene, error) {
	var file GeneFile
	if _, err := s.readJSON(s.path(genesFile), &file); err != nil {
		return nil, err
	}
	return file.Genes, nil
}

// UpsertGene stamps and persists a gene, replacing any existing gene with the
// same id.
func (s *Store) UpsertGene(gene *schemas.Gene) error {
	if err := StampGene(gene); err != nil {
		return err
	}
	s.genesMu.Lock()
	defer s.genesMu.Unlock()

	genes, err := s.loadGenesLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range genes {
		if genes[i].ID == gene.ID {
			genes[i] = *gene
			replaced = true
			break
		}
	}
	if !replaced {
		genes = append(genes, *gene)
	}
	data, err := json.MarshalIndent(GeneFile{Version: fileVersion, Genes: genes}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding genes: %w", err)
	}
	s.logger.Debug("Persisting gene.", zap.String("gene", gene.ID), zap.Bool("replaced", replaced))
	return s.writeAtomic(s.path(genesFile), data)
}

// -- Capsules --

// LoadCapsules returns every persisted capsule. A cold store yields an empty
// slice.
func (s *Store) LoadCapsules() ([]schemas.Capsule, error) {
	s.capsulesMu.Lock()
	defer s.capsulesMu.Unlock()
	return s.loadCapsulesLocked()
}

func (s *Store) loadCapsulesLocked() ([]schemas.Capsule, error) {
	var file CapsuleFile
	if _, err := s.readJSON(s.path(capsulesFile), &file); err != nil {
		return nil, err
	}
	return file.Capsules, nil
}

// UpsertCapsule stamps and persists a capsule, replacing any existing capsule
// with the same id.
func (s *Store) UpsertCapsule(capsule *schemas.Capsule) error {
	if err := StampCapsule(capsule); err != nil {
		return err
	}
	s.capsulesMu.Lock()
	defer s.capsulesMu.Unlock()

	capsules, err := s.loadCapsulesLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range capsules {
		if capsules[i].ID == capsule.ID {
			capsules[i] = *capsule
			replaced = true
			break
		}
	}
	if !replaced {
		capsules = append(capsules, *capsule)
	}
	data, err := json.MarshalIndent(CapsuleFile{Version: fileVersion, Capsules: capsules}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding capsules: %w", err)
	}
	s.logger.Debug("Persisting capsule.", zap.String("capsule", capsule.ID), zap.Bool("replaced", replaced))
	return s.writeAtomic(s.path(capsulesFile), data)
}

// FindCapsuleByGene returns the newest capsule distilled from the given gene,
// or nil when none exists.
func (s *Store) FindCapsuleByGene(geneID string) (*schemas.Capsule, error) {
	capsules, err := s.LoadCapsules()
	if err != nil {
		return nil, err
	}
	var match *schemas.Capsule
	for i := range capsules {
		if capsules[i].GeneID != geneID {
			continue
		}
		if match == nil || capsules[i].UpdatedAt.After(match.UpdatedAt) {
			match = &capsules[i]
		}
	}
	if match == nil {
		return nil, nil
	}
	out := *match
	return &out, nil
}

// -- Personality --

// LoadPersonality returns the persisted personality state, or nil when the
// node has none yet.
func (s *Store) LoadPersonality() (*schemas.PersonalityState, error) {
	s.personalityMu.Lock()
	defer s.personalityMu.Unlock()

	var state schemas.PersonalityState
	found, err := s.readJSON(s.path(personalityFile), &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &state, nil
}

// SavePersonality atomically replaces the personality file.
func (s *Store) SavePersonality(state *schemas.PersonalityState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if state.Version == "" {
		state.Version = fileVersion
	}
	s.personalityMu.Lock()
	defer s.personalityMu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding personality state: %w", err)
	}
	return s.writeAtomic(s.path(personalityFile), data)
}

// -- Last run --

// LoadLastRun returns the previous cycle's carry-over state, or a zero value
// on a cold start.
func (s *Store) LoadLastRun() (LastRun, error) {
	s.lastRunMu.Lock()
	defer s.lastRunMu.Unlock()

	var run LastRun
	if _, err := s.readJSON(s.path(lastRunFile), &run); err != nil {
		return LastRun{}, err
	}
	return run, nil
}

// SaveLastRun atomically replaces the carry-over state.
func (s *Store) SaveLastRun(run LastRun) error {
	s.lastRunMu.Lock()
	defer s.lastRunMu.Unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding last run: %w", err)
	}
	return s.writeAtomic(s.path(lastRunFile), data)
}

// -- Stamping --

// StampGene fills the schema version and content-derived id if absent, then
// validates.
func StampGene(g *schemas.Gene) error {
	if g == nil {
		return fmt.Errorf("store: gene is nil")
	}
	if g.SchemaVersion == "" {
		g.SchemaVersion = schemas.SchemaVersion
	}
	if g.ID == "" {
		id, err := schemas.AssetID(schemas.KindGene, g)
		if err != nil {
			return fmt.Errorf("store: deriving gene id: %w", err)
		}
		g.ID = id
	}
	return g.Validate()
}

// StampCapsule fills the schema version and content-derived id if absent,
// then validates.
func StampCapsule(c *schemas.Capsule) error {
	if c == nil {
		return fmt.Errorf("store: capsule is nil")
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = schemas.SchemaVersion
	}
	if c.ID == "" {
		id, err := schemas.AssetID(schemas.KindCapsule, c)
		if err != nil {
			return fmt.Errorf("store: deriving capsule id: %w", err)
		}
		c.ID = id
	}
	return c.Validate()
}

// StampEvent fills the schema version and content-derived id if absent, then
// validates.
func StampEvent(e *schemas.EvolutionEvent) error {
	if e == nil {
		return fmt.Errorf("store: event is nil")
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = schemas.SchemaVersion
	}
	if e.ID == "" {
		id, err := schemas.AssetID(schemas.KindEvent, e)
		if err != nil {
			return fmt.Errorf("store: deriving event id: %w", err)
		}
		e.ID = id
	}
	return e.Validate()
}
