// File: internal/selector/selector_test.go
package selector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/selector"
)

func gene(id string, patterns ...string) schemas.Gene {
	return schemas.Gene{
		ID:           id,
		Category:     schemas.CategoryRepair,
		SignalsMatch: patterns,
	}
}

func TestScoreGene(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	g := gene("gene_a", "Panic", "/timeout \\d+s/", "missing import")

	testCases := []struct {
		name    string
		signals []string
		want    int
	}{
		{name: "no signals", signals: nil, want: 0},
		{name: "literal is case-insensitive", signals: []string{"goroutine PANIC observed"}, want: 1},
		{name: "regex matches", signals: []string{"timeout 30s on fetch"}, want: 1},
		{name: "all three", signals: []string{"panic", "timeout 5s", "missing import \"fmt\""}, want: 3},
		{
			name:    "pattern counted once across signals",
			signals: []string{"panic in worker", "panic in reader"},
			want:    1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, s.ScoreGene(&g, tc.signals))
		})
	}
}

func TestScoreGeneMonotonic(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	g := gene("gene_a", "panic", "timeout", "oom")
	signals := []string{"panic at main.go:10"}
	base := s.ScoreGene(&g, signals)

	grown := append([]string{}, signals...)
	for _, extra := range []string{"unrelated", "timeout 3s", "OOM killed"} {
		grown = append(grown, extra)
		next := s.ScoreGene(&g, grown)
		assert.GreaterOrEqual(t, next, base, "adding signals must never lower the score")
		base = next
	}
	assert.Equal(t, 3, base)
}

func TestRegexFlags(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	caseSensitive := gene("gene_cs", "/ERROR/")
	assert.Equal(t, 0, s.ScoreGene(&caseSensitive, []string{"error: boom"}))
	assert.Equal(t, 1, s.ScoreGene(&caseSensitive, []string{"ERROR: boom"}))

	caseFolded := gene("gene_ci", "/ERROR/i")
	assert.Equal(t, 1, s.ScoreGene(&caseFolded, []string{"error: boom"}))

	unknownFlags := gene("gene_uf", "/ERROR/xyz")
	assert.Equal(t, 1, s.ScoreGene(&unknownFlags, []string{"ERROR: boom"}), "unknown flags are ignored")

	// An unparsable regex degrades to literal matching instead of failing.
	broken := gene("gene_bad", "/[unclosed/")
	assert.Equal(t, 1, s.ScoreGene(&broken, []string{"saw /[unclosed/ in log"}))
}

func TestSelectGene(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	genes := []schemas.Gene{
		gene("gene_one", "panic"),
		gene("gene_two", "panic", "timeout"),
		gene("gene_three", "disk full"),
	}
	signals := []string{"panic recovered", "timeout 10s"}

	sel := s.SelectGene(genes, signals, selector.Options{})
	require.NotNil(t, sel)
	assert.Equal(t, "gene_two", sel.Gene.ID)
	assert.Equal(t, 2, sel.Score)
	require.Len(t, sel.Alternatives, 1)
	assert.Equal(t, "gene_one", sel.Alternatives[0].GeneID)

	// Nothing scoring above zero yields no selection.
	assert.Nil(t, s.SelectGene(genes, []string{"all quiet"}, selector.Options{}))
}

func TestSelectGeneTiesKeepInputOrder(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	genes := []schemas.Gene{
		gene("gene_first", "panic"),
		gene("gene_second", "panic"),
	}
	sel := s.SelectGene(genes, []string{"panic"}, selector.Options{})
	require.NotNil(t, sel)
	assert.Equal(t, "gene_first", sel.Gene.ID)
}

func TestSelectGeneBans(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	genes := []schemas.Gene{
		gene("gene_banned", "panic", "timeout"),
		gene("gene_ok", "panic"),
	}
	signals := []string{"panic", "timeout"}
	opts := selector.Options{BannedIDs: []string{"gene_banned"}}

	sel := s.SelectGene(genes, signals, opts)
	require.NotNil(t, sel)
	assert.Equal(t, "gene_ok", sel.Gene.ID, "a banned gene must never be selected")
	for _, alt := range sel.Alternatives {
		assert.NotEqual(t, "gene_banned", alt.GeneID, "banned genes must not even surface as alternatives")
	}

	// Drift mode lifts the ban.
	opts.DriftEnabled = true
	sel = s.SelectGene(genes, signals, opts)
	require.NotNil(t, sel)
	assert.Equal(t, "gene_banned", sel.Gene.ID)
}

func TestSelectGenePreferredOverride(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	genes := []schemas.Gene{
		gene("gene_strong", "panic", "timeout"),
		gene("gene_weak", "panic"),
	}
	signals := []string{"panic", "timeout"}

	sel := s.SelectGene(genes, signals, selector.Options{PreferredID: "gene_weak"})
	require.NotNil(t, sel)
	assert.Equal(t, "gene_weak", sel.Gene.ID, "a matching preferred gene wins regardless of score")

	// A preferred gene that does not match the signals cannot win.
	sel = s.SelectGene(genes, []string{"timeout"}, selector.Options{PreferredID: "gene_weak"})
	require.NotNil(t, sel)
	assert.Equal(t, "gene_strong", sel.Gene.ID)

	// A banned preferred gene stays banned without drift.
	sel = s.SelectGene(genes, signals, selector.Options{
		PreferredID: "gene_weak",
		BannedIDs:   []string{"gene_weak"},
	})
	require.NotNil(t, sel)
	assert.Equal(t, "gene_strong", sel.Gene.ID)
}

func TestSelectGeneAlternativesCapped(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	var genes []schemas.Gene
	for _, id := range []string{"g1", "g2", "g3", "g4", "g5", "g6", "g7"} {
		genes = append(genes, gene(id, "panic"))
	}
	sel := s.SelectGene(genes, []string{"panic"}, selector.Options{})
	require.NotNil(t, sel)
	assert.LessOrEqual(t, len(sel.Alternatives), 4)
}

func TestSelectCapsule(t *testing.T) {
	t.Parallel()
	s := selector.New(zaptest.NewLogger(t))

	capsules := []schemas.Capsule{
		{ID: "capsule_a", Trigger: []string{"panic"}, GeneID: "g1", Confidence: 0.9},
		{ID: "capsule_b", Trigger: []string{"panic", "/timeout/"}, GeneID: "g2", Confidence: 0.5},
	}

	capsule, score := s.SelectCapsule(capsules, []string{"panic", "timeout 4s"})
	require.NotNil(t, capsule)
	assert.Equal(t, "capsule_b", capsule.ID)
	assert.Equal(t, 2, score)

	capsule, score = s.SelectCapsule(capsules, []string{"nothing"})
	assert.Nil(t, capsule)
	assert.Zero(t, score)
}
