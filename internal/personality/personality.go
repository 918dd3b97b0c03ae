// Package personality models the engine's five-parameter temperament: it
// gates incoming mutations against risk thresholds and evolves the vector
// from recorded cycle outcomes.
package personality

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// Policy holds the numeric thresholds behind the mutation gate and the
// evolution rules. The values are tunables, not structural requirements.
type Policy struct {
	// A high-risk mutation is admissible only while rigor and obedience sit
	// at or above these floors and risk tolerance at or below the ceiling.
	HighRiskMinRigor     float64
	HighRiskMinObedience float64
	HighRiskMaxTolerance float64

	// Natural selection ignores signature buckets with fewer samples.
	MinSamplesForBest int

	// Per-cycle evolution limits: each shift source may touch at most
	// MaxDeltasPerSource parameters, each delta clamped to the step size.
	MaxDeltasPerSource int
	DeltaStep          float64
	DeltaStepLarge     float64

	// At or above this value obedience deltas are redirected to creativity.
	ObedienceSaturation float64

	// Shift history entries retained in the persisted state.
	HistoryLimit int
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		HighRiskMinRigor:     0.6,
		HighRiskMinObedience: 0.5,
		HighRiskMaxTolerance: 0.9,
		MinSamplesForBest:    3,
		MaxDeltasPerSource:   2,
		DeltaStep:            0.1,
		DeltaStepLarge:       0.2,
		ObedienceSaturation:  0.95,
		HistoryLimit:         200,
	}
}

// PolicyFromConfig overlays configured thresholds onto the defaults. Zero
// config values keep the default.
func PolicyFromConfig(cfg config.PersonalityConfig) Policy {
	p := DefaultPolicy()
	if cfg.HighRiskMinRigor > 0 {
		p.HighRiskMinRigor = cfg.HighRiskMinRigor
	}
	if cfg.HighRiskMinObedience > 0 {
		p.HighRiskMinObedience = cfg.HighRiskMinObedience
	}
	if cfg.HighRiskMaxTolerance > 0 {
		p.HighRiskMaxTolerance = cfg.HighRiskMaxTolerance
	}
	if cfg.MinSamplesForBest > 0 {
		p.MinSamplesForBest = cfg.MinSamplesForBest
	}
	return p
}

// DefaultVector is the temperament a node starts with before any evolution:
// careful, moderately creative, quiet, risk-averse and obedient.
func DefaultVector() schemas.PersonalityVector {
	return schemas.PersonalityVector{
		Rigor:         0.7,
		Creativity:    0.5,
		Verbosity:     0.4,
		RiskTolerance: 0.3,
		Obedience:     0.8,
	}
}

// NewState builds a cold-start personality state around DefaultVector.
func NewState() *schemas.PersonalityState {
	return &schemas.PersonalityState{
		Version:   "1",
		Current:   DefaultVector(),
		Stats:     make(map[string]schemas.SignatureStats),
		UpdatedAt: time.Now().UTC(),
	}
}

// Gate validates an incoming mutation against the current personality. Each
// failed rule becomes one violation string; an empty result admits the
// mutation.
type Gate struct {
	logger *zap.Logger
	policy Policy
}

// NewGate builds a gate around the given policy.
func NewGate(logger *zap.Logger, policy Policy) *Gate {
	return &Gate{logger: logger.Named("personality"), policy: policy}
}

// AllowsHighRisk reports whether the vector satisfies the high-risk
// predicate: enough rigor and obedience, tolerance under the ceiling.
func (g *Gate) AllowsHighRisk(v schemas.PersonalityVector) bool {
	return v.Rigor >= g.policy.HighRiskMinRigor &&
		v.Obedience >= g.policy.HighRiskMinObedience &&
		v.RiskTolerance <= g.policy.HighRiskMaxTolerance
}

// HighRiskPosture reports whether the vector itself is classified high risk,
// meaning its risk tolerance sits beyond the gate ceiling.
func (g *Gate) HighRiskPosture(v schemas.PersonalityVector) bool {
	return v.RiskTolerance > g.policy.HighRiskMaxTolerance
}

// Check returns every protocol violation the mutation raises under the given
// state and declared intent. Structural problems (missing or malformed
// inputs) short-circuit; policy rules accumulate so the caller can report
// all of them at once. Any violation forces the cycle to fail.
func (g *Gate) Check(mutation *schemas.Mutation, state *schemas.PersonalityState, intent schemas.GeneCategory) []string {
	if mutation == nil {
		return []string{"mutation is missing"}
	}
	if err := mutation.Validate(); err != nil {
		return []string{fmt.Sprintf("invalid mutation: %v", err)}
	}
	if state == nil {
		return []string{"personality state is missing"}
	}
	if !state.Current.Valid() {
		return []string{fmt.Sprintf("personality vector outside [0,1]: %+v", state.Current)}
	}

	var violations []string
	cur := state.Current

	if mutation.RiskLevel == schemas.RiskHigh {
		if cur.Rigor < g.policy.HighRiskMinRigor {
			violations = append(violations, fmt.Sprintf("high-risk mutation requires rigor >= %.2f, have %.2f", g.policy.HighRiskMinRigor, cur.Rigor))
		}
		if cur.Obedience < g.policy.HighRiskMinObedience {
			violations = append(violations, fmt.Sprintf("high-risk mutation requires obedience >= %.2f, have %.2f", g.policy.HighRiskMinObedience, cur.Obedience))
		}
		if cur.RiskTolerance > g.policy.HighRiskMaxTolerance {
			violations = append(violations, fmt.Sprintf("high-risk mutation requires risk tolerance <= %.2f, have %.2f", g.policy.HighRiskMaxTolerance, cur.RiskTolerance))
		}
		if _, known := state.Stats[cur.Signature()]; !known {
			violations = append(violations, fmt.Sprintf("unknown personality signature %s: no recorded outcomes to justify high risk", cur.Signature()))
		}
	}

	if mutation.Category == schemas.CategoryInnovate && g.HighRiskPosture(cur) {
		violations = append(violations, fmt.Sprintf("innovate mutation refused while personality is high risk (tolerance %.2f > %.2f)", cur.RiskTolerance, g.policy.HighRiskMaxTolerance))
	}

	if intent != "" && mutation.Category != intent {
		violations = append(violations, fmt.Sprintf("mutation category %q disagrees with declared intent %q", mutation.Category, intent))
	}

	if len(violations) > 0 {
		g.logger.Warn("Mutation rejected by personality gate.",
			zap.String("mutation_id", mutation.ID),
			zap.String("risk_level", string(mutation.RiskLevel)),
			zap.Strings("violations", violations))
	}
	return violations
}
