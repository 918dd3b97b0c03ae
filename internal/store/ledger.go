// File: internal/store/ledger.go
package store

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
)

// Record discriminators for the mixed event ledger.
const (
	recordEvent  = "evolution_event"
	recordReport = "validation_report"
)

type eventLine struct {
	Record string `json:"record"`
	*schemas.EvolutionEvent
}

type reportLine struct {
	Record string `json:"record"`
	*schemas.ValidationReport
}

type recordProbe struct {
	Record string `json:"record"`
}

// appendLine serializes v as one JSON line at the end of path. Callers hold
// the file's mutex.
func (s *Store) appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encoding ledger line: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: appending to %s: %w", path, err)
	}
	return nil
}

// scanLines streams the JSONL file at path through fn. A missing file is a
// cold start, not an error; malformed lines are skipped with a warning so a
// single torn write can never brick the ledger.
func (s *Store) scanLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			s.logger.Warn("Skipping malformed ledger line.",
				zap.String("file", filepath.Base(path)),
				zap.Int("line", lineNo),
				zap.Error(err))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("store: scanning %s: %w", path, err)
	}
	return nil
}

// -- Evolution events --

// AppendEvent stamps and appends an immutable event to the ledger.
func (s *Store) AppendEvent(event *schemas.EvolutionEvent) error {
	if err := StampEvent(event); err != nil {
		return err
	}
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.logger.Debug("Appending evolution event.",
		zap.String("event", event.ID),
		zap.String("outcome", string(event.Outcome)))
	return s.appendLine(s.path(eventsFile), eventLine{Record: recordEvent, EvolutionEvent: event})
}

// AppendValidationReport stamps and appends a validation report to the same
// ledger, ahead of its event.
func (s *Store) AppendValidationReport(report *schemas.ValidationReport) error {
	if report == nil {
		return fmt.Errorf("store: report is nil")
	}
	if report.SchemaVersion == "" {
		report.SchemaVersion = schemas.SchemaVersion
	}
	if report.ID == "" {
		id, err := schemas.AssetID(schemas.KindReport, report)
		if err != nil {
			return fmt.Errorf("store: deriving report id: %w", err)
		}
		report.ID = id
	}
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return s.appendLine(s.path(eventsFile), reportLine{Record: recordReport, ValidationReport: report})
}

// Events returns every evolution event in append order, skipping the
// interleaved validation reports.
func (s *Store) Events() ([]schemas.EvolutionEvent, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return s.eventsLocked()
}

func (s *Store) eventsLocked() ([]schemas.EvolutionEvent, error) {
	var events []schemas.EvolutionEvent
	err := s.scanLines(s.path(eventsFile), func(line []byte) error {
		var probe recordProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return err
		}
		if probe.Record != recordEvent {
			return nil
		}
		var event schemas.EvolutionEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return err
		}
		events = append(events, event)
		return nil
	})
	return events, err
}

// RecentEvents returns up to n of the newest events, oldest first.
func (s *Store) RecentEvents(n int) ([]schemas.EvolutionEvent, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// LastEventID returns the id of the newest event, or "" for an empty ledger.
func (s *Store) LastEventID() (string, error) {
	events, err := s.Events()
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].ID, nil
}

// GeneStreak walks the ledger backward over the given gene's events and
// counts consecutive successes, stopping at the first non-success.
func (s *Store) GeneStreak(geneID string) (int, error) {
	events, err := s.Events()
	if err != nil {
		return 0, err
	}
	streak := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].GeneID != geneID {
			continue
		}
		if events[i].Outcome != schemas.OutcomeSuccess {
			break
		}
		streak++
	}
	return streak, nil
}

// CapsuleStreak walks the ledger backward over events crediting the given
// capsule and counts consecutive successes, stopping at the first non-success.
func (s *Store) CapsuleStreak(capsuleID string) (int, error) {
	events, err := s.Events()
	if err != nil {
		return 0, err
	}
	streak := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].CapsuleID != capsuleID {
			continue
		}
		if events[i].Outcome != schemas.OutcomeSuccess {
			break
		}
		streak++
	}
	return streak, nil
}

// ValidationReports returns every validation report in append order.
func (s *Store) ValidationReports() ([]schemas.ValidationReport, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	var reports []schemas.ValidationReport
	err := s.scanLines(s.path(eventsFile), func(line []byte) error {
		var probe recordProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return err
		}
		if probe.Record != recordReport {
			return nil
		}
		var report schemas.ValidationReport
		if err := json.Unmarshal(line, &report); err != nil {
			return err
		}
		reports = append(reports, report)
		return nil
	})
	return reports, err
}

// -- Candidates --

// AppendCandidate queues a locally produced asset for A2A publication.
func (s *Store) AppendCandidate(env *schemas.AssetEnvelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	s.candidatesMu.Lock()
	defer s.candidatesMu.Unlock()
	return s.appendLine(s.path(candidatesFile), env)
}

// RecentCandidates returns up to n of the newest queued candidates, oldest
// first.
func (s *Store) RecentCandidates(n int) ([]schemas.AssetEnvelope, error) {
	s.candidatesMu.Lock()
	defer s.candidatesMu.Unlock()
	return s.readEnvelopes(s.path(candidatesFile), n)
}

// AppendExternalCandidate records an asset received from a peer, after its
// confidence has been decayed and its provenance tagged.
func (s *Store) AppendExternalCandidate(env *schemas.AssetEnvelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	s.externalMu.Lock()
	defer s.externalMu.Unlock()
	return s.appendLine(s.path(externalCandidatesFile), env)
}

// RecentExternalCandidates returns up to n of the newest received assets,
// oldest first.
func (s *Store) RecentExternalCandidates(n int) ([]schemas.AssetEnvelope, error) {
	s.externalMu.Lock()
	defer s.externalMu.Unlock()
	return s.readEnvelopes(s.path(externalCandidatesFile), n)
}

// RemoveExternalCandidate drops every quarantined asset carrying the given
// id, rewriting the queue atomically, and returns how many entries went.
// Lines that do not parse are carried over untouched.
func (s *Store) RemoveExternalCandidate(assetID string) (int, error) {
	if assetID == "" {
		return 0, fmt.Errorf("store: asset id is empty")
	}
	s.externalMu.Lock()
	defer s.externalMu.Unlock()

	var kept bytes.Buffer
	removed := 0
	err := s.scanLines(s.path(externalCandidatesFile), func(line []byte) error {
		var env schemas.AssetEnvelope
		if err := json.Unmarshal(line, &env); err == nil && env.AssetID() == assetID {
			removed++
			return nil
		}
		kept.Write(line)
		kept.WriteByte('\n')
		return nil
	})
	if err != nil || removed == 0 {
		return 0, err
	}

	s.logger.Info("Removed revoked asset from quarantine.",
		zap.String("asset_id", assetID),
		zap.Int("entries", removed))
	return removed, s.writeAtomic(s.path(externalCandidatesFile), kept.Bytes())
}

func (s *Store) readEnvelopes(path string, n int) ([]schemas.AssetEnvelope, error) {
	var envs []schemas.AssetEnvelope
	err := s.scanLines(path, func(line []byte) error {
		var env schemas.AssetEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			return err
		}
		envs = append(envs, env)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(envs) > n {
		envs = envs[len(envs)-n:]
	}
	return envs, nil
}

// -- Structured errors --

// AppendStructuredError records an environmental failure with enough context
// to diagnose it after rollback.
func (s *Store) AppendStructuredError(serr *schemas.StructuredError) error {
	if serr == nil {
		return fmt.Errorf("store: structured error is nil")
	}
	if serr.SchemaVersion == "" {
		serr.SchemaVersion = schemas.SchemaVersion
	}
	if serr.ID == "" {
		serr.ID = "err_" + uuid.NewString()
	}
	if serr.CreatedAt.IsZero() {
		serr.CreatedAt = time.Now().UTC()
	}
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	s.logger.Debug("Recording structured error.", zap.String("kind", string(serr.Kind)))
	return s.appendLine(s.path(errorsFile), serr)
}

// StructuredErrors returns every recorded environmental failure in append
// order.
func (s *Store) StructuredErrors() ([]schemas.StructuredError, error) {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()

	var errs []schemas.StructuredError
	err := s.scanLines(s.path(errorsFile), func(line []byte) error {
		var serr schemas.StructuredError
		if err := json.Unmarshal(line, &serr); err != nil {
			return err
		}
		errs = append(errs, serr)
		return nil
	})
	return errs, err
}
