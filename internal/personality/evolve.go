package personality

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
)

// Parameter names as they appear in signatures and shift records.
const (
	ParamRigor         = "rigor"
	ParamCreativity    = "creativity"
	ParamVerbosity     = "verbosity"
	ParamRiskTolerance = "risk_tolerance"
	ParamObedience     = "obedience"
)

// Shift sources recorded in the history.
const (
	SourceNaturalSelection = "natural_selection"
	SourceTriggered        = "triggered"
)

// Triggered-mutation reasons.
const (
	ReasonDrift            = "drift"
	ReasonFailureStreak    = "failure_streak"
	ReasonRepeatedMutation = "repeated_mutation_failure"
)

// fitness blends the Laplace-smoothed success rate with the running average
// score. An empty bucket lands at 0.35.
func fitness(s schemas.SignatureStats) float64 {
	return 0.7*s.SuccessRate() + 0.3*s.AvgScore
}

// Gaps below this are noise; natural selection does not chase them.
const minSelectionGap = 0.05

// Triggered-mutation windows over the recent event tail.
const (
	streakWindow    = 6
	streakThreshold = 4
	repeatWindow    = 3
)

// Evolver adjusts the personality vector between cycles. Two independent
// mechanisms run per call, each capped to MaxDeltasPerSource parameter
// shifts: natural selection toward the best-scoring known signature, and
// rule-triggered nudges derived from drift mode, failure streaks and the
// current signal set.
type Evolver struct {
	logger *zap.Logger
	policy Policy
}

// NewEvolver builds an evolver around the given policy.
func NewEvolver(logger *zap.Logger, policy Policy) *Evolver {
	return &Evolver{logger: logger.Named("personality"), policy: policy}
}

// Evolve mutates state in place and returns the shifts it applied. recent
// must be ordered oldest first, as returned by the store.
func (e *Evolver) Evolve(state *schemas.PersonalityState, signals []string, recent []schemas.EvolutionEvent, drift bool) []schemas.PersonalityShift {
	if state == nil {
		return nil
	}
	now := time.Now().UTC()

	var applied []schemas.PersonalityShift
	applied = append(applied, e.naturalSelection(state, now)...)
	applied = append(applied, e.triggered(state, signals, recent, drift, now)...)

	if len(applied) > 0 {
		state.Current = state.Current.Clamp()
		e.logger.Info("Personality evolved.",
			zap.Int("shifts", len(applied)),
			zap.String("signature", state.Current.Signature()))
	}
	state.UpdatedAt = now
	return applied
}

// naturalSelection nudges the current vector toward the empirically best
// signature, provided that signature has enough samples and strictly beats
// the current one on blended fitness.
func (e *Evolver) naturalSelection(state *schemas.PersonalityState, now time.Time) []schemas.PersonalityShift {
	curSig := state.Current.Signature()

	sigs := make([]string, 0, len(state.Stats))
	for sig := range state.Stats {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	bestSig := ""
	bestFit := math.Inf(-1)
	for _, sig := range sigs {
		stats := state.Stats[sig]
		if stats.Samples() < e.policy.MinSamplesForBest {
			continue
		}
		if f := fitness(stats); f > bestFit {
			bestSig, bestFit = sig, f
		}
	}
	if bestSig == "" || bestSig == curSig {
		return nil
	}

	curFit := fitness(state.Stats[curSig])
	if bestFit <= curFit {
		return nil
	}

	target, err := schemas.ParseSignature(bestSig)
	if err != nil {
		e.logger.Warn("Skipping natural selection: unparseable stats key.", zap.String("signature", bestSig), zap.Error(err))
		return nil
	}

	type gap struct {
		param string
		delta float64
	}
	gaps := []gap{
		{ParamRigor, target.Rigor - state.Current.Rigor},
		{ParamCreativity, target.Creativity - state.Current.Creativity},
		{ParamVerbosity, target.Verbosity - state.Current.Verbosity},
		{ParamRiskTolerance, target.RiskTolerance - state.Current.RiskTolerance},
		{ParamObedience, target.Obedience - state.Current.Obedience},
	}
	sort.SliceStable(gaps, func(i, j int) bool {
		return math.Abs(gaps[i].delta) > math.Abs(gaps[j].delta)
	})

	var applied []schemas.PersonalityShift
	reason := "toward " + bestSig
	for _, g := range gaps {
		if len(applied) >= e.policy.MaxDeltasPerSource {
			break
		}
		if math.Abs(g.delta) < minSelectionGap {
			break
		}
		step := clampAbs(g.delta, e.policy.DeltaStep)
		if shift, ok := e.applyShift(state, g.param, step, SourceNaturalSelection, reason, now); ok {
			applied = append(applied, shift)
		}
	}

	if len(applied) > 0 {
		e.logger.Debug("Natural selection pulled personality toward best signature.",
			zap.String("best", bestSig),
			zap.Float64("best_fitness", bestFit),
			zap.Float64("current_fitness", curFit))
	}
	return applied
}

// triggered fires rule-based nudges when drift mode is on, when the event
// tail shows a failure streak, or when the same mutation keeps failing.
func (e *Evolver) triggered(state *schemas.PersonalityState, signals []string, recent []schemas.EvolutionEvent, drift bool, now time.Time) []schemas.PersonalityShift {
	reason, step := e.trigger(recent, drift)
	if reason == "" {
		return nil
	}

	var applied []schemas.PersonalityShift
	for _, d := range classifySignals(signals) {
		if len(applied) >= e.policy.MaxDeltasPerSource {
			break
		}
		param := d.param
		if param == ParamObedience && d.dir > 0 && state.Current.Obedience >= e.policy.ObedienceSaturation {
			// Obedience is saturated; spend the delta on creativity instead.
			param = ParamCreativity
		}
		if shift, ok := e.applyShift(state, param, d.dir*step, SourceTriggered, reason, now); ok {
			applied = append(applied, shift)
		}
	}
	return applied
}

// trigger decides whether a rule fires and how large its step is.
func (e *Evolver) trigger(recent []schemas.EvolutionEvent, drift bool) (string, float64) {
	if sameMutationKeepsFailing(recent) {
		return ReasonRepeatedMutation, e.policy.DeltaStepLarge
	}
	if trailingFailures(recent, streakWindow) >= streakThreshold {
		return ReasonFailureStreak, e.policy.DeltaStep
	}
	if drift {
		return ReasonDrift, e.policy.DeltaStep
	}
	return "", 0
}

// trailingFailures counts consecutive failed events at the tail, looking at
// most window events back.
func trailingFailures(recent []schemas.EvolutionEvent, window int) int {
	n := 0
	for i := len(recent) - 1; i >= 0 && n < window; i-- {
		if recent[i].Outcome != schemas.OutcomeFailure {
			break
		}
		n++
	}
	return n
}

// sameMutationKeepsFailing reports whether the last repeatWindow events all
// failed carrying the same mutation id.
func sameMutationKeepsFailing(recent []schemas.EvolutionEvent) bool {
	if len(recent) < repeatWindow {
		return false
	}
	tail := recent[len(recent)-repeatWindow:]
	id := tail[0].MutationID
	if id == "" {
		return false
	}
	for _, ev := range tail {
		if ev.Outcome != schemas.OutcomeFailure || ev.MutationID != id {
			return false
		}
	}
	return true
}

type paramDelta struct {
	param string
	dir   float64
}

// classifySignals maps the current signal set onto the two parameters a
// triggered nudge should touch. Protocol trouble demands obedience and
// rigor; errors demand rigor and caution; opportunities reward boldness;
// anything else tightens up quietly.
func classifySignals(signals []string) []paramDelta {
	joined := strings.ToLower(strings.Join(signals, " "))

	switch {
	case containsAny(joined, "protocol", "violation", "schema", "contract"):
		return []paramDelta{{ParamObedience, 1}, {ParamRigor, 1}}
	case containsAny(joined, "error", "panic", "fail", "crash", "exception"):
		return []paramDelta{{ParamRigor, 1}, {ParamRiskTolerance, -1}}
	case containsAny(joined, "opportunit", "optimiz", "improv", "speed", "idea"):
		return []paramDelta{{ParamCreativity, 1}, {ParamRiskTolerance, 1}}
	default:
		return []paramDelta{{ParamRigor, 1}, {ParamVerbosity, -1}}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// applyShift moves one parameter by delta (clamped so the value stays in
// [0,1]), records the shift in the bounded history and reports whether the
// move had any effect.
func (e *Evolver) applyShift(state *schemas.PersonalityState, param string, delta float64, source, reason string, at time.Time) (schemas.PersonalityShift, bool) {
	v := paramRef(&state.Current, param)
	if v == nil {
		return schemas.PersonalityShift{}, false
	}
	next := math.Min(1, math.Max(0, *v+delta))
	effective := next - *v
	if math.Abs(effective) < 1e-9 {
		return schemas.PersonalityShift{}, false
	}
	*v = next

	shift := schemas.PersonalityShift{
		At:     at,
		Source: source,
		Param:  param,
		Delta:  effective,
		Reason: reason,
	}
	state.History = append(state.History, shift)
	if limit := e.policy.HistoryLimit; limit > 0 && len(state.History) > limit {
		state.History = state.History[len(state.History)-limit:]
	}
	return shift, true
}

// RecordOutcome folds one cycle result into the stats bucket for the
// signature that cycle actually ran under.
func (e *Evolver) RecordOutcome(state *schemas.PersonalityState, signature string, success bool, score float64) {
	if state == nil || signature == "" {
		return
	}
	if state.Stats == nil {
		state.Stats = make(map[string]schemas.SignatureStats)
	}

	stats := state.Stats[signature]
	n := float64(stats.Samples())
	stats.AvgScore = (stats.AvgScore*n + score) / (n + 1)
	if success {
		stats.Successes++
	} else {
		stats.Failures++
	}
	state.Stats[signature] = stats
	state.UpdatedAt = time.Now().UTC()

	e.logger.Debug("Recorded cycle outcome for signature.",
		zap.String("signature", signature),
		zap.Bool("success", success),
		zap.Float64("score", score),
		zap.Int("samples", stats.Samples()))
}

func paramRef(v *schemas.PersonalityVector, param string) *float64 {
	switch param {
	case ParamRigor:
		return &v.Rigor
	case ParamCreativity:
		return &v.Creativity
	case ParamVerbosity:
		return &v.Verbosity
	case ParamRiskTolerance:
		return &v.RiskTolerance
	case ParamObedience:
		return &v.Obedience
	}
	return nil
}

func clampAbs(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
