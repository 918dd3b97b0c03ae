// File: internal/pipeline/solidify.go
package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/store"
)

// recentEventWindow matches the lookback the personality evolver inspects
// for failure streaks.
const recentEventWindow = 6

// persist writes the cycle's ledger entries in the order downstream readers
// rely on: report, capsule, event, capsule again with the settled streak,
// then personality stats, then the carry-over state.
func (p *Pipeline) persist(cyc *cycle, res *Result, radius schemas.BlastRadius) error {
	if err := p.store.AppendValidationReport(res.Report); err != nil {
		return err
	}
	res.Event.ReportID = res.Report.ID

	if res.OK {
		capsule, err := p.buildCapsule(cyc, radius, res.Score)
		if err != nil {
			return err
		}
		if err := p.store.UpsertCapsule(capsule); err != nil {
			return err
		}
		res.Event.CapsuleID = capsule.ID
		res.Capsule = capsule
	}

	if err := p.store.AppendEvent(res.Event); err != nil {
		return err
	}

	if res.Capsule != nil {
		streak, err := p.store.CapsuleStreak(res.Capsule.ID)
		if err != nil {
			return err
		}
		res.Capsule.SuccessStreak = streak
		res.Capsule.A2A.EligibleToBroadcast = p.eligible(radius, res.Score, streak)
		res.Capsule.UpdatedAt = time.Now().UTC()
		if err := p.store.UpsertCapsule(res.Capsule); err != nil {
			return err
		}
		if res.Capsule.A2A.EligibleToBroadcast {
			p.offerCandidate(res.Capsule)
		}
	}

	p.updatePersonality(cyc, res)
	return p.saveLastRun(cyc, res)
}

// buildCapsule distills the successful cycle. An existing capsule for the
// same gene keeps its identity, trigger and summary; only the evidence
// fields move.
func (p *Pipeline) buildCapsule(cyc *cycle, radius schemas.BlastRadius, score float64) (*schemas.Capsule, error) {
	now := time.Now().UTC()
	capsule, err := p.store.FindCapsuleByGene(cyc.gene.ID)
	if err != nil {
		return nil, err
	}
	if capsule == nil {
		capsule = &schemas.Capsule{
			Trigger:   append([]string{}, cyc.gene.SignalsMatch...),
			GeneID:    cyc.gene.ID,
			Summary:   fmt.Sprintf("gene %s solidified across %d files / %d lines", cyc.gene.ID, radius.Files, radius.Lines),
			CreatedAt: now,
		}
	}
	capsule.Confidence = score
	capsule.BlastRadius = radius
	capsule.Outcome = schemas.CapsuleOutcome{Status: schemas.OutcomeSuccess, Score: score}
	capsule.Env = p.envFingerprint()
	capsule.UpdatedAt = now
	return capsule, nil
}

// eligible applies the broadcast gate: radius within the global limits,
// score and streak at or above their floors.
func (p *Pipeline) eligible(radius schemas.BlastRadius, score float64, streak int) bool {
	a := p.cfg.A2A
	return radius.Within(a.BroadcastMaxFiles, a.BroadcastMaxLines) &&
		score >= a.BroadcastMinScore &&
		streak >= a.BroadcastMinStreak
}

// offerCandidate queues the capsule for publication and pokes the attached
// publisher, if any, without waiting on it.
func (p *Pipeline) offerCandidate(capsule *schemas.Capsule) {
	dup := *capsule
	env := schemas.AssetEnvelope{Kind: schemas.KindCapsule, Capsule: &dup}
	if err := p.store.AppendCandidate(&env); err != nil {
		p.logger.Error("Failed to queue broadcast candidate.", zap.Error(err))
		return
	}
	p.logger.Info("Capsule queued for broadcast.", zap.String("capsule", capsule.ID))
	if p.publisher != nil {
		p.publisher.Offer(env)
	}
}

// updatePersonality books the outcome into the signature stats, lets the
// evolver take its per-cycle nudges, and persists the state.
func (p *Pipeline) updatePersonality(cyc *cycle, res *Result) {
	p.evolver.RecordOutcome(cyc.state, cyc.signature, res.OK, res.Score)
	recent, err := p.store.RecentEvents(recentEventWindow)
	if err != nil {
		p.logger.Warn("Event ledger unreadable for personality evolution.", zap.Error(err))
	}
	p.evolver.Evolve(cyc.state, cyc.signals, recent, p.cfg.Selection.DriftEnabled)
	if err := p.store.SavePersonality(cyc.state); err != nil {
		p.logger.Error("Failed to persist personality state.", zap.Error(err))
	}
}

// saveLastRun rolls the carry-over state forward: new head, fresh untracked
// baseline, staged context cleared since a mutation is consumed exactly
// once.
func (p *Pipeline) saveLastRun(cyc *cycle, res *Result) error {
	run := store.LastRun{
		EventID: res.Event.ID,
		Outcome: res.Event.Outcome,
		At:      time.Now().UTC().Format(time.RFC3339),
	}
	run.UntrackedBaseline = cyc.baseline
	if p.git != nil {
		if baseline, err := p.git.UntrackedFiles(); err == nil {
			run.UntrackedBaseline = baseline
		} else {
			p.logger.Warn("Untracked baseline unavailable, keeping previous.", zap.Error(err))
		}
	}
	return p.store.SaveLastRun(run)
}
