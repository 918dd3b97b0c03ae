// File: cmd/solidify_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/pipeline"
	"github.com/nxshade/evold/internal/service"
)

func TestSolidifyInput(t *testing.T) {
	t.Run("PlainDryRun", func(t *testing.T) {
		in, err := solidifyInput("", "", nil, "", "", true)
		require.NoError(t, err)
		assert.True(t, in.DryRun)
		assert.Nil(t, in.Mutation)
		assert.Empty(t, in.Intent)
	})

	t.Run("StagedMutation", func(t *testing.T) {
		in, err := solidifyInput("gene_x", "repair", []string{"test_failure"}, "low", "tighten retry loop", false)
		require.NoError(t, err)
		assert.Equal(t, "gene_x", in.GeneID)
		assert.Equal(t, []string{"test_failure"}, in.Signals)
		assert.Equal(t, schemas.CategoryRepair, in.Intent)
		require.NotNil(t, in.Mutation)
		assert.True(t, strings.HasPrefix(in.Mutation.ID, "mut_"))
		assert.Equal(t, schemas.RiskLow, in.Mutation.RiskLevel)
		assert.Equal(t, "tighten retry loop", in.Mutation.Summary)
		assert.NoError(t, in.Mutation.Validate())
	})

	t.Run("RiskWithoutSummary", func(t *testing.T) {
		in, err := solidifyInput("", "optimize", nil, "medium", "", false)
		require.NoError(t, err)
		require.NotNil(t, in.Mutation)
		assert.Equal(t, schemas.CategoryOptimize, in.Mutation.Category)
	})

	t.Run("UnknownIntent", func(t *testing.T) {
		_, err := solidifyInput("", "disrupt", nil, "", "", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown intent")
	})

	t.Run("SummaryWithoutRisk", func(t *testing.T) {
		_, err := solidifyInput("", "repair", nil, "", "swap the parser", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--risk")
	})

	t.Run("RiskWithoutIntent", func(t *testing.T) {
		_, err := solidifyInput("", "", nil, "low", "", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--intent")
	})

	t.Run("UnknownRisk", func(t *testing.T) {
		_, err := solidifyInput("", "repair", nil, "extreme", "", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown risk level")
	})
}

func TestRunSolidifyBuildFailure(t *testing.T) {
	buildErr := errors.New("wiring broke")
	failing := componentBuilder(func(*zap.Logger, *config.Config) (*service.Components, error) {
		return nil, buildErr
	})

	err := runSolidify(context.Background(), zaptest.NewLogger(t), testConfig(t),
		pipeline.Input{}, failing, &bytes.Buffer{})
	require.ErrorIs(t, err, buildErr)
}

// A workspace without a repository still yields a recorded failure: the
// cycle lands on the ledger and the command exits non-zero, with the peer
// exchange worker running alongside.
func TestRunSolidifyRecordsFailedCycleWithoutRepo(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig(t)
	cfg.A2A.Enabled = true

	components, err := service.Build(logger, cfg)
	require.NoError(t, err)
	require.NotNil(t, components.Worker)
	buildFn := componentBuilder(func(*zap.Logger, *config.Config) (*service.Components, error) {
		return components, nil
	})

	var out bytes.Buffer
	err = runSolidify(context.Background(), logger, cfg, pipeline.Input{}, buildFn, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle failed")
	assert.Contains(t, out.String(), "FAILED")

	events, err := components.Store.RecentEvents(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.OutcomeFailure, events[0].Outcome)

	// The worker announced the node before it was stopped.
	_, err = os.Stat(filepath.Join(cfg.A2A.Dir, "outbox", "hello.jsonl"))
	assert.NoError(t, err)
}

func TestPrintResult(t *testing.T) {
	t.Run("Solidified", func(t *testing.T) {
		var out bytes.Buffer
		printResult(&out, &pipeline.Result{
			OK:    true,
			Score: 0.92,
			Gene:  &schemas.Gene{ID: "gene_x", Category: schemas.CategoryRepair},
			Capsule: &schemas.Capsule{
				ID: "cap_y", Confidence: 0.8, SuccessStreak: 3,
			},
			Event: &schemas.EvolutionEvent{ID: "evt_z"},
		})
		s := out.String()
		assert.Contains(t, s, "SOLIDIFIED")
		assert.Contains(t, s, "0.92")
		assert.Contains(t, s, "gene_x (repair)")
		assert.Contains(t, s, "cap_y")
		assert.Contains(t, s, "streak 3")
		assert.Contains(t, s, "evt_z")
	})

	t.Run("RolledBack", func(t *testing.T) {
		var out bytes.Buffer
		printResult(&out, &pipeline.Result{OK: false, RolledBack: true, Score: 0.1})
		assert.Contains(t, out.String(), "FAILED (rolled back)")
	})

	t.Run("FailedWithoutRollback", func(t *testing.T) {
		var out bytes.Buffer
		printResult(&out, &pipeline.Result{OK: false, Score: 0})
		s := out.String()
		assert.Contains(t, s, "FAILED")
		assert.NotContains(t, s, "rolled back")
	})
}
