// File: internal/selector/selector.go
package selector

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
)

// Pattern matches one trigger expression against a signal. Implementations
// are sealed: a literal substring or a /regex/ expression.
type Pattern interface {
	Matches(signal string) bool
	String() string
}

type literalPattern struct {
	raw    string
	needle string
}

func (p literalPattern) Matches(signal string) bool {
	return strings.Contains(strings.ToLower(signal), p.needle)
}

func (p literalPattern) String() string { return p.raw }

type regexPattern struct {
	raw string
	re  *regexp.Regexp
}

func (p regexPattern) Matches(signal string) bool { return p.re.MatchString(signal) }

func (p regexPattern) String() string { return p.raw }

// Selector scores and picks genes and capsules by matching their trigger
// patterns against observed signals. Compiled patterns are cached.
type Selector struct {
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]Pattern
}

// New builds a selector.
func New(logger *zap.Logger) *Selector {
	return &Selector{
		logger: logger.Named("selector"),
		cache:  make(map[string]Pattern),
	}
}

// compile turns a raw expression into a Pattern. "/body/flags" becomes a
// regular expression ("i" enables case folding, unknown flags are ignored);
// anything else, including an unparsable regex, matches as a case-insensitive
// literal substring.
func (s *Selector) compile(raw string) Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[raw]; ok {
		return p
	}
	p := s.compileUncached(raw)
	s.cache[raw] = p
	return p
}

func (s *Selector) compileUncached(raw string) Pattern {
	if len(raw) >= 2 && strings.HasPrefix(raw, "/") {
		if end := strings.LastIndex(raw, "/"); end > 0 {
			body := raw[1:end]
			flags := raw[end+1:]
			expr := body
			if strings.Contains(flags, "i") {
				expr = "(?i)" + body
			}
			re, err := regexp.Compile(expr)
			if err == nil {
				return regexPattern{raw: raw, re: re}
			}
			s.logger.Warn("Unparsable trigger regex; matching it literally.",
				zap.String("pattern", raw), zap.Error(err))
		}
	}
	return literalPattern{raw: raw, needle: strings.ToLower(raw)}
}

// matchesAny reports whether the pattern matches at least one signal.
func (s *Selector) matchesAny(raw string, signals []string) bool {
	p := s.compile(raw)
	for _, sig := range signals {
		if p.Matches(sig) {
			return true
		}
	}
	return false
}

// ScoreGene counts how many of the gene's trigger patterns match at least
// one signal. Adding signals can only raise the score, never lower it.
func (s *Selector) ScoreGene(gene *schemas.Gene, signals []string) int {
	if gene == nil {
		return 0
	}
	return s.scorePatterns(gene.SignalsMatch, signals)
}

// ScoreCapsule counts how many of the capsule's trigger patterns match at
// least one signal.
func (s *Selector) ScoreCapsule(capsule *schemas.Capsule, signals []string) int {
	if capsule == nil {
		return 0
	}
	return s.scorePatterns(capsule.Trigger, signals)
}

func (s *Selector) scorePatterns(patterns, signals []string) int {
	score := 0
	for _, raw := range patterns {
		if s.matchesAny(raw, signals) {
			score++
		}
	}
	return score
}

// Alternative is a runner-up of a selection, kept for the decision trail.
type Alternative struct {
	GeneID string `json:"gene"`
	Score  int    `json:"score"`
}

// Selection is the outcome of picking a gene for a signal set.
type Selection struct {
	Gene         *schemas.Gene
	Score        int
	Alternatives []Alternative
}

// Options steer SelectGene.
type Options struct {
	BannedIDs       []string
	PreferredID     string
	DriftEnabled    bool
	MaxAlternatives int
}

const defaultMaxAlternatives = 4

// SelectGene returns the best-scoring eligible gene plus up to four
// runners-up, or nil when nothing scores above zero. Banned genes are
// excluded unless drift is enabled; a preferred gene that matches wins
// outright under the same ban rule. Ties keep the first-seen gene.
func (s *Selector) SelectGene(genes []schemas.Gene, signals []string, opts Options) *Selection {
	maxAlt := opts.MaxAlternatives
	if maxAlt <= 0 {
		maxAlt = defaultMaxAlternatives
	}
	banned := make(map[string]struct{}, len(opts.BannedIDs))
	for _, id := range opts.BannedIDs {
		banned[id] = struct{}{}
	}
	eligible := func(id string) bool {
		if opts.DriftEnabled {
			return true
		}
		_, isBanned := banned[id]
		return !isBanned
	}

	type candidate struct {
		gene  *schemas.Gene
		score int
	}
	var candidates []candidate
	for i := range genes {
		score := s.ScoreGene(&genes[i], signals)
		if score <= 0 {
			continue
		}
		if !eligible(genes[i].ID) {
			s.logger.Debug("Skipping banned gene.", zap.String("gene", genes[i].ID))
			continue
		}
		candidates = append(candidates, candidate{gene: &genes[i], score: score})
	}
	if len(candidates) == 0 {
		return nil
	}

	best := -1
	if opts.PreferredID != "" {
		for i := range candidates {
			if candidates[i].gene.ID == opts.PreferredID {
				best = i
				s.logger.Info("Preferred gene override matched.", zap.String("gene", opts.PreferredID))
				break
			}
		}
	}
	if best < 0 {
		best = 0
		for i := range candidates {
			if candidates[i].score > candidates[best].score {
				best = i
			}
		}
	}

	selection := &Selection{Gene: candidates[best].gene, Score: candidates[best].score}
	for i, c := range candidates {
		if i == best || len(selection.Alternatives) >= maxAlt {
			continue
		}
		selection.Alternatives = append(selection.Alternatives, Alternative{GeneID: c.gene.ID, Score: c.score})
	}
	return selection
}

// SelectCapsule returns the best-scoring capsule for the signals, or nil
// when nothing matches. Ties keep the first-seen capsule.
func (s *Selector) SelectCapsule(capsules []schemas.Capsule, signals []string) (*schemas.Capsule, int) {
	bestIdx := -1
	bestScore := 0
	for i := range capsules {
		score := s.ScoreCapsule(&capsules[i], signals)
		if score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx < 0 {
		return nil, 0
	}
	return &capsules[bestIdx], bestScore
}
