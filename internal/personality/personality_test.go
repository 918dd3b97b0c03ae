package personality_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/personality"
)

func validMutation(risk schemas.RiskLevel, category schemas.GeneCategory) *schemas.Mutation {
	return &schemas.Mutation{
		ID:        "mut_test",
		Category:  category,
		RiskLevel: risk,
		Summary:   "tighten retry loop",
		CreatedAt: time.Now().UTC(),
	}
}

func stateWithVector(v schemas.PersonalityVector) *schemas.PersonalityState {
	s := personality.NewState()
	s.Current = v
	return s
}

func TestDefaultVectorIsValidAndCautious(t *testing.T) {
	t.Parallel()

	v := personality.DefaultVector()
	assert.True(t, v.Valid())
	assert.Equal(t, "r0.7_c0.5_v0.4_t0.3_o0.8", v.Signature())
}

func TestPolicyFromConfigOverlaysDefaults(t *testing.T) {
	t.Parallel()

	p := personality.PolicyFromConfig(config.PersonalityConfig{
		HighRiskMinRigor:  0.8,
		MinSamplesForBest: 5,
	})

	assert.Equal(t, 0.8, p.HighRiskMinRigor)
	assert.Equal(t, 5, p.MinSamplesForBest)
	// Unset knobs keep the defaults.
	assert.Equal(t, 0.5, p.HighRiskMinObedience)
	assert.Equal(t, 0.9, p.HighRiskMaxTolerance)
	assert.Equal(t, 0.1, p.DeltaStep)
}

func TestGateStructuralFailures(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	testCases := []struct {
		name     string
		mutation *schemas.Mutation
		state    *schemas.PersonalityState
		want     string
	}{
		{
			name:     "nil mutation",
			mutation: nil,
			state:    personality.NewState(),
			want:     "mutation is missing",
		},
		{
			name:     "invalid mutation",
			mutation: &schemas.Mutation{ID: "mut_x", Category: "refactor", RiskLevel: "low", Summary: "s"},
			state:    personality.NewState(),
			want:     "invalid mutation",
		},
		{
			name:     "nil state",
			mutation: validMutation(schemas.RiskLow, schemas.CategoryRepair),
			state:    nil,
			want:     "personality state is missing",
		},
		{
			name:     "vector out of range",
			mutation: validMutation(schemas.RiskLow, schemas.CategoryRepair),
			state:    stateWithVector(schemas.PersonalityVector{Rigor: 1.4, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.3, Obedience: 0.8}),
			want:     "personality vector outside [0,1]",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			violations := gate.Check(tc.mutation, tc.state, "")
			require.Len(t, violations, 1)
			assert.Contains(t, violations[0], tc.want)
		})
	}
}

func TestGateAdmitsLowRiskMutation(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	violations := gate.Check(validMutation(schemas.RiskLow, schemas.CategoryRepair), personality.NewState(), schemas.CategoryRepair)
	assert.Empty(t, violations)
}

func TestGateHighRiskPredicates(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	state := stateWithVector(schemas.PersonalityVector{Rigor: 0.3, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.95, Obedience: 0.2})
	violations := gate.Check(validMutation(schemas.RiskHigh, schemas.CategoryRepair), state, "")

	// Rigor floor, obedience floor, tolerance ceiling and unknown signature
	// all fail independently.
	require.Len(t, violations, 4)
	assert.Contains(t, violations[0], "rigor")
	assert.Contains(t, violations[1], "obedience")
	assert.Contains(t, violations[2], "risk tolerance")
	assert.Contains(t, violations[3], "unknown personality signature")
}

func TestGateHighRiskUnknownSignatureAlwaysRejected(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	// The vector satisfies every threshold, including a very low risk
	// tolerance, but no outcome was ever recorded for its signature.
	state := stateWithVector(schemas.PersonalityVector{Rigor: 0.9, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.1, Obedience: 0.9})
	violations := gate.Check(validMutation(schemas.RiskHigh, schemas.CategoryRepair), state, "")

	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "unknown personality signature")
}

func TestGateHighRiskAdmittedWithKnownSignature(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	state := stateWithVector(schemas.PersonalityVector{Rigor: 0.9, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.5, Obedience: 0.9})
	state.Stats[state.Current.Signature()] = schemas.SignatureStats{Successes: 4, Failures: 1, AvgScore: 0.8}

	violations := gate.Check(validMutation(schemas.RiskHigh, schemas.CategoryRepair), state, "")
	assert.Empty(t, violations)
}

func TestGateInnovateRefusedUnderHighRiskPosture(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	reckless := stateWithVector(schemas.PersonalityVector{Rigor: 0.9, Creativity: 0.9, Verbosity: 0.4, RiskTolerance: 0.95, Obedience: 0.9})

	// Even a low-risk innovate mutation is refused while the personality
	// itself is classified high risk.
	violations := gate.Check(validMutation(schemas.RiskLow, schemas.CategoryInnovate), reckless, "")
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "innovate mutation refused")

	calm := stateWithVector(schemas.PersonalityVector{Rigor: 0.9, Creativity: 0.9, Verbosity: 0.4, RiskTolerance: 0.5, Obedience: 0.9})
	assert.Empty(t, gate.Check(validMutation(schemas.RiskLow, schemas.CategoryInnovate), calm, ""))
}

func TestGateIntentMismatch(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	violations := gate.Check(validMutation(schemas.RiskLow, schemas.CategoryOptimize), personality.NewState(), schemas.CategoryRepair)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "disagrees with declared intent")

	// An empty intent means no declared intent, not a mismatch.
	assert.Empty(t, gate.Check(validMutation(schemas.RiskLow, schemas.CategoryOptimize), personality.NewState(), ""))
}

func TestGateAllowsHighRisk(t *testing.T) {
	t.Parallel()
	gate := personality.NewGate(zaptest.NewLogger(t), personality.DefaultPolicy())

	testCases := []struct {
		name   string
		vector schemas.PersonalityVector
		want   bool
	}{
		{
			name:   "all thresholds met",
			vector: schemas.PersonalityVector{Rigor: 0.6, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.9, Obedience: 0.5},
			want:   true,
		},
		{
			name:   "rigor below floor",
			vector: schemas.PersonalityVector{Rigor: 0.59, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.3, Obedience: 0.8},
			want:   false,
		},
		{
			name:   "obedience below floor",
			vector: schemas.PersonalityVector{Rigor: 0.8, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.3, Obedience: 0.4},
			want:   false,
		},
		{
			name:   "tolerance above ceiling",
			vector: schemas.PersonalityVector{Rigor: 0.8, Creativity: 0.5, Verbosity: 0.4, RiskTolerance: 0.91, Obedience: 0.8},
			want:   false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, gate.AllowsHighRisk(tc.vector))
		})
	}
}
