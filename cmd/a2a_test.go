// File: cmd/a2a_test.go
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/store"
)

func newExchange(t *testing.T) (*store.Store, a2a.Transport, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.New(filepath.Join(t.TempDir(), "state"), logger)
	require.NoError(t, err)
	dir := t.TempDir()
	transport, err := a2a.Open(logger, config.A2AConfig{Transport: "file", Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })
	return st, transport, dir
}

// Inbound messages are simulated by appending to the transport's inbox,
// the way the out-of-process relay delivers them.
func appendInbox(t *testing.T, dir string, msg schemas.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	path := filepath.Join(dir, "inbox", string(msg.Type)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	require.NoError(t, err)
}

func eligibleCapsule(id string) *schemas.Capsule {
	return &schemas.Capsule{
		ID:            id,
		Trigger:       []string{"error_detected"},
		GeneID:        "gene_auto_0011aabbccdd",
		Summary:       "repair strategy distilled from a passing cycle",
		Confidence:    0.9,
		Outcome:       schemas.CapsuleOutcome{Status: schemas.OutcomeSuccess, Score: 0.9},
		SuccessStreak: 2,
		A2A:           schemas.CapsuleA2A{EligibleToBroadcast: true},
	}
}

func TestRunA2APublishBroadcastsEligibleCapsule(t *testing.T) {
	st, transport, dir := newExchange(t)
	require.NoError(t, st.UpsertCapsule(eligibleCapsule("cap_travel")))

	var out bytes.Buffer
	err := runA2APublish(context.Background(), &out, "node-test", st, transport, "cap_travel")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "published capsule cap_travel")

	data, err := os.ReadFile(filepath.Join(dir, "outbox", "publish.jsonl"))
	require.NoError(t, err)
	var msg schemas.Message
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &msg))
	assert.Equal(t, "node-test", msg.SenderID)

	env, err := a2a.DecodeAsset(msg)
	require.NoError(t, err)
	require.NotNil(t, env.Capsule)
	assert.Equal(t, "cap_travel", env.Capsule.ID)
}

func TestRunA2APublishRejectsUnknownCapsule(t *testing.T) {
	st, transport, _ := newExchange(t)

	err := runA2APublish(context.Background(), &bytes.Buffer{}, "node-test", st, transport, "cap_ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunA2APublishRefusesIneligibleCapsule(t *testing.T) {
	st, transport, _ := newExchange(t)
	capsule := eligibleCapsule("cap_grounded")
	capsule.A2A.EligibleToBroadcast = false
	capsule.SuccessStreak = 0
	require.NoError(t, st.UpsertCapsule(capsule))

	err := runA2APublish(context.Background(), &bytes.Buffer{}, "node-test", st, transport, "cap_grounded")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not eligible")
}

func TestRunA2APullQuarantinesPeerAssets(t *testing.T) {
	st, transport, dir := newExchange(t)

	good, err := a2a.NewPublish("peer-1", schemas.AssetEnvelope{
		Kind:    schemas.KindCapsule,
		Capsule: eligibleCapsule("cap_foreign"),
	})
	require.NoError(t, err)
	appendInbox(t, dir, good)
	// A publish that decodes into no valid asset is rejected on ingest.
	appendInbox(t, dir, a2a.NewMessage("peer-1", schemas.MsgPublish, map[string]any{"junk": true}))
	appendInbox(t, dir, a2a.NewHello("peer-2", config.A2AConfig{Transport: "file"}))

	var out bytes.Buffer
	cfg := config.A2AConfig{NodeID: "node-test", Transport: "file", Dir: dir, ConfidenceDecay: 0.5}
	err = runA2APull(context.Background(), &out, zaptest.NewLogger(t), cfg, st, transport)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "pulled 3 messages: 1 quarantined, 1 rejected, 1 noted")

	candidates, err := st.RecentExternalCandidates(10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.NotNil(t, candidates[0].Capsule)
	assert.Equal(t, "peer:peer-1", candidates[0].Capsule.Source)
	assert.InDelta(t, 0.45, candidates[0].Capsule.Confidence, 1e-9)
	assert.False(t, candidates[0].Capsule.A2A.EligibleToBroadcast)
}

func TestRunA2APeersDeduplicatesAnnouncements(t *testing.T) {
	_, transport, dir := newExchange(t)

	appendInbox(t, dir, a2a.NewHello("peer-1", config.A2AConfig{Transport: "file"}))
	appendInbox(t, dir, a2a.NewHello("peer-1", config.A2AConfig{Transport: "file"}))
	appendInbox(t, dir, a2a.NewHello("peer-2", config.A2AConfig{Transport: "file"}))

	var out bytes.Buffer
	require.NoError(t, runA2APeers(context.Background(), &out, transport))

	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "peer-1"))
	assert.Equal(t, 1, strings.Count(s, "peer-2"))
	// Header plus one row per node.
	assert.Len(t, strings.Split(strings.TrimSpace(s), "\n"), 3)
}

func TestA2ACommandsRequireEnabledExchange(t *testing.T) {
	cfgPath := writeConfigFile(t, `
logger:
  log_file: ""
store:
  dir: "`+t.TempDir()+`"
`)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"a2a", "peers", "--config", cfgPath})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer exchange is disabled")
}
