package schemas

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// PersonalityVector is the five-parameter behavioural state of the engine.
// Every value is clamped to [0,1].
type PersonalityVector struct {
	Rigor         float64 `json:"rigor"`
	Creativity    float64 `json:"creativity"`
	Verbosity     float64 `json:"verbosity"`
	RiskTolerance float64 `json:"risk_tolerance"`
	Obedience     float64 `json:"obedience"`
}

// Clamp returns a copy with every parameter forced into [0,1].
func (p PersonalityVector) Clamp() PersonalityVector {
	return PersonalityVector{
		Rigor:         clamp01(p.Rigor),
		Creativity:    clamp01(p.Creativity),
		Verbosity:     clamp01(p.Verbosity),
		RiskTolerance: clamp01(p.RiskTolerance),
		Obedience:     clamp01(p.Obedience),
	}
}

// Valid reports whether every parameter already sits inside [0,1].
func (p PersonalityVector) Valid() bool {
	for _, v := range []float64{p.Rigor, p.Creativity, p.Verbosity, p.RiskTolerance, p.Obedience} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Signature renders the vector as its 0.1-rounded canonical key, the unit
// used for outcome statistics. Two vectors within the same 0.1 buckets share
// a signature.
func (p PersonalityVector) Signature() string {
	var b strings.Builder
	b.WriteString("r")
	b.WriteString(bucket(p.Rigor))
	b.WriteString("_c")
	b.WriteString(bucket(p.Creativity))
	b.WriteString("_v")
	b.WriteString(bucket(p.Verbosity))
	b.WriteString("_t")
	b.WriteString(bucket(p.RiskTolerance))
	b.WriteString("_o")
	b.WriteString(bucket(p.Obedience))
	return b.String()
}

func bucket(v float64) string {
	return fmt.Sprintf("%.1f", math.Round(clamp01(v)*10)/10)
}

// ParseSignature is the inverse of Signature: it recovers the bucketed
// vector from its canonical key.
func ParseSignature(sig string) (PersonalityVector, error) {
	var v PersonalityVector
	n, err := fmt.Sscanf(sig, "r%f_c%f_v%f_t%f_o%f",
		&v.Rigor, &v.Creativity, &v.Verbosity, &v.RiskTolerance, &v.Obedience)
	if err != nil || n != 5 {
		return PersonalityVector{}, fmt.Errorf("malformed personality signature %q", sig)
	}
	if !v.Valid() {
		return PersonalityVector{}, fmt.Errorf("personality signature %q outside [0,1]", sig)
	}
	return v, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

// SignatureStats accumulates cycle outcomes for one personality signature.
type SignatureStats struct {
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	AvgScore  float64 `json:"avg_score"`
}

// Samples is the total number of recorded outcomes.
func (s SignatureStats) Samples() int {
	return s.Successes + s.Failures
}

// SuccessRate is the Laplace-smoothed success fraction, defined even for an
// empty bucket.
func (s SignatureStats) SuccessRate() float64 {
	return (float64(s.Successes) + 1) / (float64(s.Samples()) + 2)
}

// PersonalityShift is one recorded parameter adjustment.
type PersonalityShift struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Param  string    `json:"param"`
	Delta  float64   `json:"delta"`
	Reason string    `json:"reason,omitempty"`
}

// PersonalityState is the persisted personality file: the current vector,
// per-signature outcome statistics and a bounded shift history.
type PersonalityState struct {
	Version   string                    `json:"version"`
	Current   PersonalityVector         `json:"current"`
	Stats     map[string]SignatureStats `json:"stats,omitempty"`
	History   []PersonalityShift        `json:"history,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Validate checks the persisted personality file.
func (p *PersonalityState) Validate() error {
	if p == nil {
		return fmt.Errorf("personality state is nil")
	}
	if !p.Current.Valid() {
		return fmt.Errorf("personality vector outside [0,1]: %+v", p.Current)
	}
	return nil
}
