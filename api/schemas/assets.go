package schemas

import (
	"fmt"
	"time"
)

// SchemaVersion is stamped onto every persisted asset so future readers can
// migrate old ledgers.
const SchemaVersion = "1"

// AssetKind identifies the sealed set of persistable asset types.
type AssetKind string

const (
	KindGene    AssetKind = "gene"
	KindCapsule AssetKind = "capsule"
	KindEvent   AssetKind = "event"
	KindReport  AssetKind = "report"
)

// GeneCategory classifies what a strategy is for.
type GeneCategory string

const (
	CategoryRepair   GeneCategory = "repair"
	CategoryOptimize GeneCategory = "optimize"
	CategoryInnovate GeneCategory = "innovate"
)

// ValidCategory reports whether c is one of the three known categories.
func ValidCategory(c GeneCategory) bool {
	switch c {
	case CategoryRepair, CategoryOptimize, CategoryInnovate:
		return true
	}
	return false
}

// RiskLevel is the declared risk of a proposed mutation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ValidRiskLevel reports whether r is a known risk level.
func ValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Outcome is the terminal verdict of one solidification cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// -- Gene --

// StrategyStep is one concrete step of a Gene's strategy.
type StrategyStep struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// GeneConstraints bound how much change a Gene is allowed to cause.
type GeneConstraints struct {
	MaxFiles       int      `json:"max_files"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
}

// Gene is a reusable strategy selected by matching its trigger patterns
// against the signals of the current situation.
type Gene struct {
	SchemaVersion string          `json:"schema_version"`
	ID            string          `json:"id"`
	Category      GeneCategory    `json:"category"`
	Description   string          `json:"description,omitempty"`
	SignalsMatch  []string        `json:"signals_match"`
	Preconditions []string        `json:"preconditions,omitempty"`
	Strategy      []StrategyStep  `json:"strategy,omitempty"`
	Constraints   GeneConstraints `json:"constraints"`
	Validation    []string        `json:"validation,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Source        string          `json:"source,omitempty"`
}

// Validate checks the structural invariants a Gene must satisfy before it is
// persisted or acted on.
func (g *Gene) Validate() error {
	if g == nil {
		return fmt.Errorf("gene is nil")
	}
	if g.ID == "" {
		return fmt.Errorf("gene id is empty")
	}
	if !ValidCategory(g.Category) {
		return fmt.Errorf("gene %s: unknown category %q", g.ID, g.Category)
	}
	if len(g.SignalsMatch) == 0 {
		return fmt.Errorf("gene %s: signals_match is empty", g.ID)
	}
	if g.Constraints.MaxFiles < 0 {
		return fmt.Errorf("gene %s: negative max_files", g.ID)
	}
	return nil
}

// -- Capsule --

// EnvFingerprint records where a Capsule was distilled so peers can judge
// transferability.
type EnvFingerprint struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Head     string `json:"head,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// CapsuleA2A carries the sharing flags of a Capsule.
type CapsuleA2A struct {
	EligibleToBroadcast bool `json:"eligible_to_broadcast"`
}

// CapsuleOutcome is the status and score of the cycle a Capsule distills.
type CapsuleOutcome struct {
	Status Outcome `json:"status"`
	Score  float64 `json:"score"`
}

// Capsule is a distilled, provenance-carrying record of a strategy that
// worked: what triggered it, what it touched and how confident we are that
// it transfers.
type Capsule struct {
	SchemaVersion string         `json:"schema_version"`
	ID            string         `json:"id"`
	Trigger       []string       `json:"trigger"`
	GeneID        string         `json:"gene"`
	Summary       string         `json:"summary,omitempty"`
	Confidence    float64        `json:"confidence"`
	BlastRadius   BlastRadius    `json:"blast_radius"`
	Outcome       CapsuleOutcome `json:"outcome"`
	SuccessStreak int            `json:"success_streak"`
	Env           EnvFingerprint `json:"env"`
	A2A           CapsuleA2A     `json:"a2a"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Source        string         `json:"source,omitempty"`
	ReceivedAt    *time.Time     `json:"received_at,omitempty"`
}

// Validate checks the structural invariants of a Capsule.
func (c *Capsule) Validate() error {
	if c == nil {
		return fmt.Errorf("capsule is nil")
	}
	if c.ID == "" {
		return fmt.Errorf("capsule id is empty")
	}
	if len(c.Trigger) == 0 {
		return fmt.Errorf("capsule %s: trigger is empty", c.ID)
	}
	if c.GeneID == "" {
		return fmt.Errorf("capsule %s: gene reference is empty", c.ID)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("capsule %s: confidence %v outside [0,1]", c.ID, c.Confidence)
	}
	if c.Outcome.Status != "" && c.Outcome.Status != OutcomeSuccess && c.Outcome.Status != OutcomeFailure {
		return fmt.Errorf("capsule %s: unknown outcome status %q", c.ID, c.Outcome.Status)
	}
	if c.Outcome.Score < 0 || c.Outcome.Score > 1 {
		return fmt.Errorf("capsule %s: outcome score %v outside [0,1]", c.ID, c.Outcome.Score)
	}
	return nil
}

// -- Mutation --

// Mutation is a proposed change to the running system. It is consumed by
// exactly one solidification cycle and never reused.
type Mutation struct {
	ID        string       `json:"id"`
	Category  GeneCategory `json:"category"`
	RiskLevel RiskLevel    `json:"risk_level"`
	Summary   string       `json:"summary,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Validate checks the structural invariants of a Mutation proposal.
func (m *Mutation) Validate() error {
	if m == nil {
		return fmt.Errorf("mutation is nil")
	}
	if m.ID == "" {
		return fmt.Errorf("mutation id is empty")
	}
	if !ValidCategory(m.Category) {
		return fmt.Errorf("mutation %s: unknown category %q", m.ID, m.Category)
	}
	if !ValidRiskLevel(m.RiskLevel) {
		return fmt.Errorf("mutation %s: unknown risk level %q", m.ID, m.RiskLevel)
	}
	return nil
}

// -- Blast radius --

// BlastRadius quantifies how much of the working tree a cycle touched.
type BlastRadius struct {
	Files        int      `json:"files"`
	Lines        int      `json:"lines"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// Within reports whether the radius fits inside the given file and line caps.
// A cap of zero or below means unlimited.
func (b BlastRadius) Within(maxFiles, maxLines int) bool {
	if maxFiles > 0 && b.Files > maxFiles {
		return false
	}
	if maxLines > 0 && b.Lines > maxLines {
		return false
	}
	return true
}

// -- Evolution event --

// EvolutionEvent is one immutable entry of the causally linked ledger.
// Parent points at the previous event's id; nil marks the chain root.
type EvolutionEvent struct {
	SchemaVersion string         `json:"schema_version"`
	ID            string         `json:"id"`
	Parent        *string        `json:"parent"`
	GeneID        string         `json:"gene"`
	MutationID    string         `json:"mutation_id"`
	Intent        string         `json:"intent,omitempty"`
	Signals       []string       `json:"signals,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	Score         float64        `json:"score"`
	BlastRadius   BlastRadius    `json:"blast_radius"`
	Violations    []string       `json:"violations,omitempty"`
	Personality   string         `json:"personality_signature,omitempty"`
	CapsuleID     string         `json:"capsule,omitempty"`
	ReportID      string         `json:"validation_report,omitempty"`
	Env           EnvFingerprint `json:"env"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Validate checks the structural invariants of a ledger event.
func (e *EvolutionEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return fmt.Errorf("event %s: unknown outcome %q", e.ID, e.Outcome)
	}
	return nil
}

// -- Validation report --

// SandboxStatus is the terminal state of a sandbox verification run.
type SandboxStatus string

const (
	SandboxPassed         SandboxStatus = "passed"
	SandboxTestFailed     SandboxStatus = "sandbox_test_failed"
	SandboxCreationFailed SandboxStatus = "sandbox_creation_failed"
	SandboxSkipped        SandboxStatus = "skipped"
)

// CommandResult captures one executed (or blocked) verification command.
type CommandResult struct {
	Command     string `json:"command"`
	ExitCode    int    `json:"exit_code"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	Blocked     bool   `json:"blocked,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
}

// SandboxResult is the aggregate outcome of running commands in isolation.
type SandboxResult struct {
	Status  SandboxStatus   `json:"status"`
	Mode    string          `json:"mode,omitempty"`
	Results []CommandResult `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ConstraintCheck records the outcome of checking one constraint set.
type ConstraintCheck struct {
	Checked    bool     `json:"checked"`
	Violations []string `json:"violations,omitempty"`
}

// ValidationReport is the machine-readable decision trail of one cycle,
// appended to the ledger before its event.
type ValidationReport struct {
	SchemaVersion string           `json:"schema_version"`
	ID            string           `json:"id"`
	GeneID        string           `json:"gene"`
	MutationID    string           `json:"mutation_id"`
	Constraints   ConstraintCheck  `json:"constraints"`
	SourceCheck   *ConstraintCheck `json:"source_check,omitempty"`
	Sandbox       *SandboxResult   `json:"sandbox,omitempty"`
	Commands      []CommandResult  `json:"commands,omitempty"`
	Violations    []string         `json:"violations,omitempty"`
	OK            bool             `json:"ok"`
	DryRun        bool             `json:"dry_run,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// -- Structured errors --

// ErrorKind names the environmental failure classes persisted to the error
// ledger.
type ErrorKind string

const (
	ErrSandboxTestFailed     ErrorKind = "sandbox_test_failed"
	ErrSandboxCreationFailed ErrorKind = "sandbox_creation_failed"
	ErrValidationFailed      ErrorKind = "validation_failed"
	ErrRollbackFailed        ErrorKind = "rollback_failed"
	ErrVCSUnavailable        ErrorKind = "vcs_unavailable"
)

// StructuredError is one line of errors.jsonl: enough context to diagnose an
// environmental failure after the worktree has been rolled back.
type StructuredError struct {
	SchemaVersion string          `json:"schema_version"`
	ID            string          `json:"id"`
	Kind          ErrorKind       `json:"kind"`
	Message       string          `json:"message,omitempty"`
	ChangedFiles  []string        `json:"changed_files,omitempty"`
	BlastRadius   *BlastRadius    `json:"blast_radius,omitempty"`
	TestResults   []CommandResult `json:"test_results,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// -- Asset envelope --

// AssetEnvelope is the tagged union used when assets cross the process
// boundary (publishing, candidate queues). Exactly one member matching Kind
// must be set.
type AssetEnvelope struct {
	Kind    AssetKind       `json:"kind"`
	Gene    *Gene           `json:"gene,omitempty"`
	Capsule *Capsule        `json:"capsule,omitempty"`
	Event   *EvolutionEvent `json:"event,omitempty"`
}

// AssetID returns the id of whichever member is set, or "".
func (a *AssetEnvelope) AssetID() string {
	switch {
	case a == nil:
		return ""
	case a.Gene != nil:
		return a.Gene.ID
	case a.Capsule != nil:
		return a.Capsule.ID
	case a.Event != nil:
		return a.Event.ID
	}
	return ""
}

// Validate enforces the tagged-union discriminant.
func (a *AssetEnvelope) Validate() error {
	if a == nil {
		return fmt.Errorf("asset envelope is nil")
	}
	set := 0
	if a.Gene != nil {
		set++
	}
	if a.Capsule != nil {
		set++
	}
	if a.Event != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("asset envelope: expected exactly one member, got %d", set)
	}
	switch a.Kind {
	case KindGene:
		if a.Gene == nil {
			return fmt.Errorf("asset envelope: kind %q without gene member", a.Kind)
		}
		return a.Gene.Validate()
	case KindCapsule:
		if a.Capsule == nil {
			return fmt.Errorf("asset envelope: kind %q without capsule member", a.Kind)
		}
		return a.Capsule.Validate()
	case KindEvent:
		if a.Event == nil {
			return fmt.Errorf("asset envelope: kind %q without event member", a.Kind)
		}
		return a.Event.Validate()
	default:
		return fmt.Errorf("asset envelope: unknown kind %q", a.Kind)
	}
}
