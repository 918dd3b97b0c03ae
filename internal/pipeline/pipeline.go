// File: internal/pipeline/pipeline.go

// Package pipeline drives one solidification cycle: resolve the gene behind
// the staged mutation, measure the blast radius of what already changed in
// the working tree, verify it (sandboxed when the engine's own source is
// touched), and either solidify the outcome into a capsule plus ledger event
// or roll the tree back and record the failure.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/blastradius"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/personality"
	"github.com/nxshade/evold/internal/selector"
	"github.com/nxshade/evold/internal/store"
)

// Git is the version-control surface one cycle needs: diffs for the blast
// radius plus restore for rollback. A nil Git marks an unavailable
// collaborator and fails the cycle as environmental.
type Git interface {
	blastradius.Differ
	HeadShort() string
	RestoreWorktree() error
	RemoveUntracked(baseline []string) ([]string, error)
}

// SandboxRunner verifies source changes in isolation.
type SandboxRunner interface {
	Run(ctx context.Context, root string, commands []string) *schemas.SandboxResult
}

// Publisher receives broadcast-eligible assets fire-and-forget; it must
// never block the cycle.
type Publisher interface {
	Offer(env schemas.AssetEnvelope)
}

// Input carries one cycle's planner-staged context. Zero fields fall back
// to the persisted last-run state.
type Input struct {
	GeneID   string
	Intent   schemas.GeneCategory
	Signals  []string
	Mutation *schemas.Mutation
	DryRun   bool
}

// Result is the terminal decision of one cycle. In dry-run mode the report
// and event are returned stamped but never persisted.
type Result struct {
	OK         bool
	Score      float64
	RolledBack bool
	Gene       *schemas.Gene
	Capsule    *schemas.Capsule
	Event      *schemas.EvolutionEvent
	Report     *schemas.ValidationReport
}

// Pipeline owns one workspace's solidification machinery. Cycles must not
// run concurrently against the same workspace root; the blast radius and
// rollback both assume exclusive ownership of the working tree.
type Pipeline struct {
	logger    *zap.Logger
	cfg       *config.Config
	store     *store.Store
	git       Git
	sandbox   SandboxRunner
	sel       *selector.Selector
	gate      *personality.Gate
	evolver   *personality.Evolver
	vetter    *Vetter
	policy    blastradius.SourcePolicy
	publisher Publisher
}

// New wires a pipeline over the given collaborators. git may be nil when no
// repository is available; such cycles fail with a structured error instead
// of guessing at the tree state.
func New(logger *zap.Logger, cfg *config.Config, st *store.Store, git Git, sb SandboxRunner) *Pipeline {
	policy := personality.PolicyFromConfig(cfg.Personality)
	return &Pipeline{
		logger:  logger.Named("pipeline"),
		cfg:     cfg,
		store:   st,
		git:     git,
		sandbox: sb,
		sel:     selector.New(logger),
		gate:    personality.NewGate(logger, policy),
		evolver: personality.NewEvolver(logger, policy),
		vetter:  NewVetter(logger),
		policy:  blastradius.PolicyFromConfig(cfg.Workspace),
	}
}

// SetPublisher attaches the peer-sharing sink. Optional; without one,
// eligible capsules still land in the candidate queue.
func (p *Pipeline) SetPublisher(pub Publisher) { p.publisher = pub }

// run context resolved from input and carry-over state.
type cycle struct {
	intent    schemas.GeneCategory
	signals   []string
	mutation  *schemas.Mutation
	gene      *schemas.Gene
	alts      []selector.Alternative
	state     *schemas.PersonalityState
	signature string
	parent    string
	baseline  []string
	dryRun    bool
}

// Run executes one solidification cycle. The returned error covers only
// store failures that prevented recording the outcome; every domain failure
// is captured inside the Result and its ledger entries.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	started := time.Now()
	cyc, err := p.prepare(in)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Solidification cycle started.",
		zap.String("gene", cyc.gene.ID),
		zap.Strings("signals", cyc.signals),
		zap.Bool("dry_run", cyc.dryRun))

	protocolViolations := p.gate.Check(cyc.mutation, cyc.state, cyc.intent)

	if p.git == nil {
		return p.failWithoutTree(cyc, protocolViolations,
			schemas.ErrVCSUnavailable, "no version-control collaborator for workspace")
	}

	radius, err := blastradius.NewCalculator(p.logger, p.git).Compute(ctx, cyc.baseline)
	if err != nil {
		return p.failWithoutTree(cyc, protocolViolations, schemas.ErrVCSUnavailable, err.Error())
	}
	markerViolations := blastradius.ScanConflictMarkers(p.git.Root(), radius.ChangedFiles)

	report := &schemas.ValidationReport{
		GeneID:     cyc.gene.ID,
		MutationID: mutationID(cyc.mutation),
		Constraints: schemas.ConstraintCheck{
			Checked:    true,
			Violations: append(blastradius.CheckGeneConstraints(radius, cyc.gene.Constraints), markerViolations...),
		},
		Violations: protocolViolations,
		DryRun:     cyc.dryRun,
		CreatedAt:  time.Now().UTC(),
	}

	validationOK := true
	environmental := false
	var envKind schemas.ErrorKind
	var envMessage string
	var envResults []schemas.CommandResult

	srcCheck := p.policy.Check(radius)
	if srcCheck.Checked {
		report.SourceCheck = &srcCheck
	}
	switch {
	case len(markerViolations) > 0:
		// An unresolved merge is not a verifiable tree.
		p.logger.Warn("Conflict markers left in changed files, skipping verification.",
			zap.Strings("violations", markerViolations))

	case srcCheck.Checked && len(srcCheck.Violations) > 0:
		// Structural source violation: no sandbox, no gene validation.
		p.logger.Warn("Source change rejected before verification.",
			zap.Strings("violations", srcCheck.Violations))

	case srcCheck.Checked:
		sb := p.sandbox.Run(ctx, p.git.Root(), p.cfg.Workspace.VerifyCommands)
		report.Sandbox = sb
		if sb.Status != schemas.SandboxPassed && sb.Status != schemas.SandboxSkipped {
			validationOK = false
			environmental = true
			envKind = sandboxErrorKind(sb.Status)
			envMessage = sb.Error
			envResults = sb.Results
			break
		}
		fallthrough

	default:
		results, executedFailure := p.runValidation(ctx, p.cfg.Workspace.Root, cyc.gene.Validation)
		report.Commands = results
		for _, res := range results {
			if res.Blocked || res.ExitCode != 0 {
				validationOK = false
			}
		}
		if executedFailure {
			environmental = true
			envKind = schemas.ErrValidationFailed
			envMessage = fmt.Sprintf("validation command %q failed", results[len(results)-1].Command)
			envResults = results
		}
	}

	constraintViolations := append(append([]string{}, report.Constraints.Violations...), srcCheck.Violations...)
	score := outcomeScore(len(constraintViolations)+len(protocolViolations), !validationOK)
	ok := len(constraintViolations) == 0 && validationOK && len(protocolViolations) == 0
	report.OK = ok

	rolledBack := false
	if environmental && !cyc.dryRun {
		p.recordEnvironmental(envKind, envMessage, radius, envResults)
		if p.cfg.Engine.RollbackOnFailure {
			rolledBack = p.rollback(cyc.baseline)
		}
	}

	event := p.buildEvent(cyc, radius, ok, score, constraintViolations, protocolViolations)

	res := &Result{OK: ok, Score: score, RolledBack: rolledBack, Gene: cyc.gene, Event: event, Report: report}
	if cyc.dryRun {
		// Stamped for display, never persisted.
		if err := store.StampEvent(event); err != nil {
			return nil, err
		}
		p.logger.Info("Dry-run cycle decided.", zap.Bool("ok", ok), zap.Float64("score", score))
		return res, nil
	}

	if err := p.persist(cyc, res, radius); err != nil {
		return nil, err
	}
	p.logger.Info("Solidification cycle finished.",
		zap.Bool("ok", ok),
		zap.Float64("score", score),
		zap.Bool("rolled_back", rolledBack),
		zap.Duration("elapsed", time.Since(started)))
	return res, nil
}

// prepare resolves the cycle context: carry-over state, signals, mutation,
// gene and personality. Store read failures degrade to safe defaults.
func (p *Pipeline) prepare(in Input) (*cycle, error) {
	last, err := p.store.LoadLastRun()
	if err != nil {
		p.logger.Warn("Last-run state unreadable, starting cold.", zap.Error(err))
		last = store.LastRun{}
	}

	cyc := &cycle{dryRun: in.DryRun, parent: last.EventID, baseline: last.UntrackedBaseline}

	cyc.intent = in.Intent
	if cyc.intent == "" && last.Intent != "" {
		cyc.intent = schemas.GeneCategory(last.Intent)
	}
	cyc.signals = in.Signals
	if len(cyc.signals) == 0 {
		cyc.signals = last.Signals
	}
	if len(cyc.signals) == 0 {
		cyc.signals = p.deriveSignals()
	}
	cyc.mutation = in.Mutation
	if cyc.mutation == nil {
		cyc.mutation = last.Mutation
	}

	genes, err := p.store.LoadGenes()
	if err != nil {
		p.logger.Warn("Gene store unreadable, treating as empty.", zap.Error(err))
	}
	staged := in.GeneID
	if staged == "" {
		staged = last.GeneID
	}
	if staged != "" {
		for i := range genes {
			if genes[i].ID == staged {
				cyc.gene = &genes[i]
				break
			}
		}
		if cyc.gene == nil {
			p.logger.Warn("Staged gene not found, reselecting.", zap.String("gene", staged))
		}
	}
	if cyc.gene == nil {
		sel := p.sel.SelectGene(genes, cyc.signals, selector.Options{
			BannedIDs:       p.cfg.Selection.BannedGenes,
			PreferredID:     p.cfg.Selection.PreferredGene,
			DriftEnabled:    p.cfg.Selection.DriftEnabled,
			MaxAlternatives: p.cfg.Selection.MaxAlternatives,
		})
		if sel != nil {
			cyc.gene = sel.Gene
			cyc.alts = sel.Alternatives
		}
	}
	if cyc.gene == nil {
		gene, err := p.autoGene(cyc.signals, cyc.intent, cyc.dryRun)
		if err != nil {
			return nil, err
		}
		cyc.gene = gene
	}

	state, err := p.store.LoadPersonality()
	if err != nil {
		p.logger.Warn("Personality state unreadable, starting from defaults.", zap.Error(err))
	}
	if state == nil {
		state = personality.NewState()
	}
	cyc.state = state
	cyc.signature = state.Current.Signature()
	return cyc, nil
}

// autoGene builds a deterministic gene for a signal set nothing on file
// matches, persisting it unless the cycle is a dry run.
func (p *Pipeline) autoGene(signals []string, intent schemas.GeneCategory, dryRun bool) (*schemas.Gene, error) {
	category := intent
	if category == "" {
		category = inferCategory(signals)
	}
	match := signals
	if len(match) == 0 {
		match = []string{"unclassified"}
	}
	gene := &schemas.Gene{
		ID:           schemas.AutoGeneID(match),
		Category:     category,
		Description:  "auto-generated strategy for " + strings.Join(match, ", "),
		SignalsMatch: match,
		Constraints:  schemas.GeneConstraints{MaxFiles: autoGeneMaxFiles},
		CreatedAt:    time.Now().UTC(),
		Source:       "auto",
	}
	p.logger.Info("No gene matched, auto-generating.",
		zap.String("gene", gene.ID),
		zap.String("category", string(category)))
	if dryRun {
		return gene, store.StampGene(gene)
	}
	return gene, p.store.UpsertGene(gene)
}

// autoGeneMaxFiles bounds an untested auto-generated strategy.
const autoGeneMaxFiles = 5

// inferCategory maps a signal set onto the gene category it calls for,
// using the same keyword families the personality nudges use.
func inferCategory(signals []string) schemas.GeneCategory {
	joined := strings.ToLower(strings.Join(signals, " "))
	switch {
	case containsAnyOf(joined, "error", "panic", "fail", "crash", "exception", "bug"):
		return schemas.CategoryRepair
	case containsAnyOf(joined, "opportunit", "optimiz", "improv", "speed", "slow", "idea"):
		return schemas.CategoryOptimize
	default:
		return schemas.CategoryInnovate
	}
}

func containsAnyOf(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// deriveSignals falls back to the signals of recent ledger events when the
// planner staged none. Bounded so an old noisy ledger cannot flood a cycle.
func (p *Pipeline) deriveSignals() []string {
	events, err := p.store.RecentEvents(derivedSignalEvents)
	if err != nil {
		p.logger.Warn("Event ledger unreadable while deriving signals.", zap.Error(err))
		return nil
	}
	seen := make(map[string]struct{})
	var signals []string
	for i := len(events) - 1; i >= 0 && len(signals) < derivedSignalCap; i-- {
		for _, sig := range events[i].Signals {
			if _, dup := seen[sig]; dup {
				continue
			}
			seen[sig] = struct{}{}
			signals = append(signals, sig)
			if len(signals) == derivedSignalCap {
				break
			}
		}
	}
	return signals
}

const (
	derivedSignalEvents = 5
	derivedSignalCap    = 8
)

// outcomeScore grades a cycle: full marks minus a fixed cost per recorded
// violation and a larger cost for failed verification, clamped to [0,1].
func outcomeScore(violations int, validationFailed bool) float64 {
	score := 1.0 - 0.15*float64(violations)
	if validationFailed {
		score -= 0.4
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func sandboxErrorKind(status schemas.SandboxStatus) schemas.ErrorKind {
	if status == schemas.SandboxCreationFailed {
		return schemas.ErrSandboxCreationFailed
	}
	return schemas.ErrSandboxTestFailed
}

func mutationID(m *schemas.Mutation) string {
	if m == nil {
		return ""
	}
	return m.ID
}

// buildEvent assembles the ledger entry for this cycle. The capsule id is
// attached later, once the capsule write settled its identity.
func (p *Pipeline) buildEvent(cyc *cycle, radius schemas.BlastRadius, ok bool, score float64, constraintViolations, protocolViolations []string) *schemas.EvolutionEvent {
	outcome := schemas.OutcomeFailure
	if ok {
		outcome = schemas.OutcomeSuccess
	}
	event := &schemas.EvolutionEvent{
		GeneID:      cyc.gene.ID,
		MutationID:  mutationID(cyc.mutation),
		Intent:      string(cyc.intent),
		Signals:     cyc.signals,
		Outcome:     outcome,
		Score:       score,
		BlastRadius: radius,
		Violations:  append(append([]string{}, constraintViolations...), protocolViolations...),
		Personality: cyc.signature,
		Env:         p.envFingerprint(),
		CreatedAt:   time.Now().UTC(),
	}
	if cyc.parent != "" {
		parent := cyc.parent
		event.Parent = &parent
	}
	if len(cyc.alts) > 0 {
		event.Meta = map[string]any{"alternatives": cyc.alts}
	}
	return event
}

func (p *Pipeline) envFingerprint() schemas.EnvFingerprint {
	env := schemas.EnvFingerprint{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if p.git != nil {
		env.Head = p.git.HeadShort()
	}
	if host, err := os.Hostname(); err == nil {
		env.Hostname = host
	}
	return env
}

// recordEnvironmental writes one errors.jsonl entry for a failure class that
// justified (or will justify) a rollback.
func (p *Pipeline) recordEnvironmental(kind schemas.ErrorKind, message string, radius schemas.BlastRadius, results []schemas.CommandResult) {
	serr := &schemas.StructuredError{
		Kind:         kind,
		Message:      message,
		ChangedFiles: radius.ChangedFiles,
		BlastRadius:  &radius,
		TestResults:  results,
	}
	if err := p.store.AppendStructuredError(serr); err != nil {
		p.logger.Error("Failed to record structured error.", zap.Error(err))
	}
}

// rollback restores tracked files to HEAD and removes untracked files
// created since the baseline. Reports whether the tree was fully restored.
func (p *Pipeline) rollback(baseline []string) bool {
	if err := p.git.RestoreWorktree(); err != nil {
		p.logger.Error("Rollback of tracked changes failed.", zap.Error(err))
		p.recordEnvironmental(schemas.ErrRollbackFailed, err.Error(), schemas.BlastRadius{}, nil)
		return false
	}
	removed, err := p.git.RemoveUntracked(baseline)
	if err != nil {
		p.logger.Error("Rollback of untracked files failed.", zap.Error(err))
		p.recordEnvironmental(schemas.ErrRollbackFailed, err.Error(), schemas.BlastRadius{}, nil)
		return false
	}
	p.logger.Info("Working tree rolled back.", zap.Strings("removed_untracked", removed))
	return true
}

// failWithoutTree terminates a cycle whose version-control collaborator is
// unusable: structured error, failed event, no rollback attempt since the
// tree state cannot be trusted.
func (p *Pipeline) failWithoutTree(cyc *cycle, protocolViolations []string, kind schemas.ErrorKind, message string) (*Result, error) {
	report := &schemas.ValidationReport{
		GeneID:     cyc.gene.ID,
		MutationID: mutationID(cyc.mutation),
		Violations: protocolViolations,
		DryRun:     cyc.dryRun,
		CreatedAt:  time.Now().UTC(),
	}
	event := p.buildEvent(cyc, schemas.BlastRadius{}, false, 0, []string{message}, protocolViolations)
	res := &Result{Gene: cyc.gene, Event: event, Report: report}

	if cyc.dryRun {
		if err := store.StampEvent(event); err != nil {
			return nil, err
		}
		return res, nil
	}
	p.recordEnvironmental(kind, message, schemas.BlastRadius{}, nil)
	if err := p.persist(cyc, res, schemas.BlastRadius{}); err != nil {
		return nil, err
	}
	return res, nil
}
