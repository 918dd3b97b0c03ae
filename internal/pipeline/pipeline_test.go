// File: internal/pipeline/pipeline_test.go
package pipeline_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/gitops"
	"github.com/nxshade/evold/internal/pipeline"
	"github.com/nxshade/evold/internal/sandbox"
	"github.com/nxshade/evold/internal/store"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// initRepo creates a repository with a committed source file under
// internal/ so source-change paths are reachable.
func initRepo(t *testing.T) (*gitops.Client, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFile(t, dir, "internal/core.go", "package core\n")
	writeFile(t, dir, "notes.md", "scratch\n")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".")
	require.NoError(t, err)
	author := &object.Signature{Name: "evold", Email: "evold@test.invalid", When: time.Now()}
	_, err = wt.Commit("initial", &git.CommitOptions{Author: author})
	require.NoError(t, err)

	client, err := gitops.Open(zaptest.NewLogger(t), dir)
	require.NoError(t, err)
	return client, dir
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Store.Dir = t.TempDir()
	cfg.Workspace.Root = root
	cfg.Sandbox.Mode = "inplace"
	cfg.Workspace.VerifyCommands = nil
	return cfg
}

func testStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	s, err := store.New(cfg.Store.Dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func lowRiskMutation(id string, category schemas.GeneCategory) *schemas.Mutation {
	return &schemas.Mutation{
		ID:        id,
		Category:  category,
		RiskLevel: schemas.RiskLow,
		CreatedAt: time.Now().UTC(),
	}
}

// stubGit fabricates diffs and untracked files so policy paths that a real
// repository cannot produce stay testable.
type stubGit struct {
	root      string
	unstaged  string
	untracked []string
	restores  int
	removes   int
}

func (s *stubGit) Diff(_ context.Context, staged bool) (string, error) {
	if staged {
		return "", nil
	}
	return s.unstaged, nil
}
func (s *stubGit) UntrackedFiles() ([]string, error) { return s.untracked, nil }
func (s *stubGit) Root() string                      { return s.root }
func (s *stubGit) HeadShort() string                 { return "abcdef123456" }
func (s *stubGit) RestoreWorktree() error            { s.restores++; return nil }
func (s *stubGit) RemoveUntracked([]string) ([]string, error) {
	s.removes++
	return nil, nil
}

// recordingSandbox counts invocations and replays a canned result.
type recordingSandbox struct {
	calls  int
	result *schemas.SandboxResult
}

func (r *recordingSandbox) Run(context.Context, string, []string) *schemas.SandboxResult {
	r.calls++
	return r.result
}

func TestRunAutoCreatesGeneAndSolidifies(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	res, err := p.Run(context.Background(), pipeline.Input{
		Intent:   schemas.CategoryRepair,
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
	})
	require.NoError(t, err)

	require.True(t, res.OK)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.False(t, res.RolledBack)

	require.NotNil(t, res.Gene)
	assert.Regexp(t, `^gene_auto_[0-9a-f]{12}$`, res.Gene.ID)
	assert.Equal(t, schemas.CategoryRepair, res.Gene.Category)

	genes, err := st.LoadGenes()
	require.NoError(t, err)
	require.Len(t, genes, 1, "auto gene must be persisted")

	events, err := st.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Parent, "first event is the chain root")
	assert.Equal(t, schemas.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, res.Capsule.ID, events[0].CapsuleID)
	assert.NotEmpty(t, events[0].ReportID)

	require.NotNil(t, res.Capsule)
	assert.Equal(t, []string{"error_detected"}, res.Capsule.Trigger)
	assert.Equal(t, 1, res.Capsule.SuccessStreak)
	assert.False(t, res.Capsule.A2A.EligibleToBroadcast, "streak 1 stays below the broadcast floor")

	state, err := st.LoadPersonality()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.Stats[state.Current.Signature()].Successes)

	last, err := st.LoadLastRun()
	require.NoError(t, err)
	assert.Equal(t, events[0].ID, last.EventID)
	assert.Empty(t, last.Mutation, "a mutation is consumed exactly once")
}

func TestRunChainsEventsAndReachesBroadcast(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	var lastEvent string
	for i, id := range []string{"mut-1", "mut-2"} {
		res, err := p.Run(context.Background(), pipeline.Input{
			Signals:  []string{"error_detected"},
			Mutation: lowRiskMutation(id, schemas.CategoryRepair),
		})
		require.NoError(t, err)
		require.True(t, res.OK)

		if i == 0 {
			assert.Nil(t, res.Event.Parent)
		} else {
			require.NotNil(t, res.Event.Parent)
			assert.Equal(t, lastEvent, *res.Event.Parent)
			assert.Equal(t, 2, res.Capsule.SuccessStreak)
			assert.True(t, res.Capsule.A2A.EligibleToBroadcast)
		}
		lastEvent = res.Event.ID
	}

	candidates, err := st.RecentCandidates(10)
	require.NoError(t, err)
	require.Len(t, candidates, 1, "the second cycle crosses the streak floor")
	assert.Equal(t, schemas.KindCapsule, candidates[0].Kind)
}

func TestRunRadiusOverflowBlocksBroadcast(t *testing.T) {
	t.Parallel()
	const docsDiff = `--- a/docs/guide.md
+++ b/docs/guide.md
@@ -1,2 +1,3 @@
 intro
+updated
 outro
--- a/docs/faq.md
+++ b/docs/faq.md
@@ -1,1 +1,2 @@
 question
+answer
`
	stub := &stubGit{root: t.TempDir(), unstaged: docsDiff}
	cfg := testConfig(t, stub.root)
	cfg.A2A.BroadcastMaxFiles = 1
	st := testStore(t, cfg)
	sb := &recordingSandbox{result: &schemas.SandboxResult{Status: schemas.SandboxPassed}}

	p := pipeline.New(zaptest.NewLogger(t), cfg, st, stub, sb)
	var res *pipeline.Result
	for _, id := range []string{"mut-1", "mut-2"} {
		var err error
		res, err = p.Run(context.Background(), pipeline.Input{
			Signals:  []string{"error_detected"},
			Mutation: lowRiskMutation(id, schemas.CategoryRepair),
		})
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	// Score and streak qualify; the two-file radius alone keeps the
	// capsule grounded under the one-file cap.
	assert.Equal(t, 2, res.Capsule.SuccessStreak)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.False(t, res.Capsule.A2A.EligibleToBroadcast)

	candidates, err := st.RecentCandidates(10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRunSourceViolationBlocksBeforeSandbox(t *testing.T) {
	t.Parallel()
	stub := &stubGit{
		root: t.TempDir(),
		untracked: []string{
			"internal/a.go",
			"internal/b.go",
			"internal/c.go",
			"internal/d.go",
			".git/config",
		},
	}
	cfg := testConfig(t, stub.root)
	st := testStore(t, cfg)
	sb := &recordingSandbox{result: &schemas.SandboxResult{Status: schemas.SandboxPassed}}

	p := pipeline.New(zaptest.NewLogger(t), cfg, st, stub, sb)
	res, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"source_change"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryInnovate),
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Zero(t, sb.calls, "source violations must stop the cycle before any sandbox command")

	require.NotNil(t, res.Report.SourceCheck)
	joined := strings.Join(res.Report.SourceCheck.Violations, "\n")
	assert.Contains(t, joined, "protected area .git")
	assert.Contains(t, joined, "limit is 3")

	// Policy failures never touch the tree.
	assert.Zero(t, stub.restores)
	assert.False(t, res.RolledBack)
	serrs, err := st.StructuredErrors()
	require.NoError(t, err)
	assert.Empty(t, serrs)

	events, err := st.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.OutcomeFailure, events[0].Outcome)
	assert.Empty(t, events[0].CapsuleID)
}

func TestRunConflictMarkersBlockVerification(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "internal/merge.go",
		"package core\n\n<<<<<<< HEAD\nconst a = 1\n=======\nconst a = 2\n>>>>>>> peer\n")

	stub := &stubGit{root: root, untracked: []string{"internal/merge.go"}}
	cfg := testConfig(t, root)
	st := testStore(t, cfg)
	sb := &recordingSandbox{result: &schemas.SandboxResult{Status: schemas.SandboxPassed}}

	p := pipeline.New(zaptest.NewLogger(t), cfg, st, stub, sb)
	res, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.InDelta(t, 0.85, res.Score, 1e-9, "one violation costs one step")
	assert.Zero(t, sb.calls, "an unresolved merge must never reach the sandbox")
	assert.Empty(t, res.Report.Commands, "gene validation is skipped too")

	joined := strings.Join(res.Report.Constraints.Violations, "\n")
	assert.Contains(t, joined, "internal/merge.go")
	assert.Contains(t, joined, "conflict marker")

	// Like other policy failures, the tree is left alone for inspection.
	assert.False(t, res.RolledBack)
	assert.Zero(t, stub.restores)
	serrs, err := st.StructuredErrors()
	require.NoError(t, err)
	assert.Empty(t, serrs)

	events, err := st.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.OutcomeFailure, events[0].Outcome)
}

func TestRunSandboxFailureRollsBack(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	cfg.Workspace.VerifyCommands = []string{"false"}
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	gene := schemas.Gene{
		Category:     schemas.CategoryRepair,
		SignalsMatch: []string{"source_change"},
		Validation:   []string{"go version"},
		Constraints:  schemas.GeneConstraints{MaxFiles: 3},
	}
	require.NoError(t, st.UpsertGene(&gene))

	// A small tracked change inside the source tree passes the structural
	// source check and forces the sandbox to run.
	writeFile(t, dir, "internal/core.go", "package core\n\nconst tuned = true\n")

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	res, err := p.Run(context.Background(), pipeline.Input{
		GeneID:   gene.ID,
		Signals:  []string{"source_change"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.True(t, res.RolledBack)
	assert.Nil(t, res.Capsule, "failed cycles never mint capsules")
	assert.Empty(t, res.Report.Commands, "gene validation is skipped after a sandbox failure")

	require.NotNil(t, res.Report.Sandbox)
	assert.Equal(t, schemas.SandboxTestFailed, res.Report.Sandbox.Status)

	serrs, err := st.StructuredErrors()
	require.NoError(t, err)
	require.Len(t, serrs, 1)
	assert.Equal(t, schemas.ErrSandboxTestFailed, serrs[0].Kind)
	assert.Contains(t, serrs[0].ChangedFiles, "internal/core.go")

	restored, err := os.ReadFile(filepath.Join(dir, "internal", "core.go"))
	require.NoError(t, err)
	assert.Equal(t, "package core\n", string(restored), "tracked changes must be rolled back")

	events, err := st.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.OutcomeFailure, events[0].Outcome)
}

func TestRunBlockedValidationCommandFailsWithoutRollback(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	gene := schemas.Gene{
		Category:     schemas.CategoryRepair,
		SignalsMatch: []string{"error_detected"},
		Validation:   []string{"go test && rm -rf /"},
	}
	require.NoError(t, st.UpsertGene(&gene))

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	res, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	require.Len(t, res.Report.Commands, 1)
	assert.True(t, res.Report.Commands[0].Blocked)
	assert.Contains(t, res.Report.Commands[0].BlockReason, "command list")

	// Blocked commands are a policy failure: recorded, nothing rolled back,
	// nothing in the error ledger.
	assert.False(t, res.RolledBack)
	serrs, err := st.StructuredErrors()
	require.NoError(t, err)
	assert.Empty(t, serrs)
}

func TestRunProtocolViolationForcesFailure(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	res, err := p.Run(context.Background(), pipeline.Input{
		Signals: []string{"error_detected"},
		// No mutation staged anywhere: the gate must reject the cycle.
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Contains(t, res.Report.Violations, "mutation is missing")
	assert.NotEmpty(t, res.Event.Violations)
	assert.Equal(t, schemas.OutcomeFailure, res.Event.Outcome)
}

func TestRunDryRunLeavesNoTrace(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	res, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
		DryRun:   true,
	})
	require.NoError(t, err)

	require.True(t, res.OK)
	require.NotNil(t, res.Event)
	assert.NotEmpty(t, res.Event.ID, "dry-run still returns a stamped decision")

	genes, err := st.LoadGenes()
	require.NoError(t, err)
	assert.Empty(t, genes, "dry-run must not persist the auto gene")

	events, err := st.Events()
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.NoFileExists(t, filepath.Join(cfg.Store.Dir, "last_run.json"))
}

func TestRunWithoutRepositoryRecordsEnvironmentalFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, t.TempDir())
	st := testStore(t, cfg)

	p := pipeline.New(zaptest.NewLogger(t), cfg, st, nil, &recordingSandbox{})
	res, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	serrs, err := st.StructuredErrors()
	require.NoError(t, err)
	require.Len(t, serrs, 1)
	assert.Equal(t, schemas.ErrVCSUnavailable, serrs[0].Kind)

	events, err := st.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.OutcomeFailure, events[0].Outcome)
}

func TestRunReusesExistingCapsuleIdentity(t *testing.T) {
	t.Parallel()
	requireGit(t)
	client, dir := initRepo(t)
	cfg := testConfig(t, dir)
	st := testStore(t, cfg)
	logger := zaptest.NewLogger(t)

	p := pipeline.New(logger, cfg, st, client, sandbox.New(logger, cfg.Sandbox))
	first, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-1", schemas.CategoryRepair),
	})
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := p.Run(context.Background(), pipeline.Input{
		Signals:  []string{"error_detected"},
		Mutation: lowRiskMutation("mut-2", schemas.CategoryRepair),
	})
	require.NoError(t, err)
	require.True(t, second.OK)

	assert.Equal(t, first.Capsule.ID, second.Capsule.ID, "reuse supersedes, never duplicates")

	capsules, err := st.LoadCapsules()
	require.NoError(t, err)
	assert.Len(t, capsules, 1)
}
