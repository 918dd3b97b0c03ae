// File: internal/a2a/worker_test.go
package a2a_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/store"
)

func startWorker(t *testing.T, ft *fakeTransport, st *store.Store) (*a2a.Worker, context.CancelFunc, chan error) {
	t.Helper()
	w := a2a.NewWorker(zaptest.NewLogger(t), st, ft, config.A2AConfig{NodeID: "node-a"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return w, cancel, done
}

func stopWorker(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerAnnouncesAndPublishesOffers(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	st := newIngestStore(t)
	w, cancel, done := startWorker(t, ft, st)

	w.Offer(capsuleEnvelope())

	require.Eventually(t, func() bool {
		return len(ft.sentOfType(schemas.MsgPublish)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopWorker(t, cancel, done)

	hellos := ft.sentOfType(schemas.MsgHello)
	require.Len(t, hellos, 1)
	assert.Equal(t, "node-a", hellos[0].SenderID)

	pubs := ft.sentOfType(schemas.MsgPublish)
	env, err := a2a.DecodeAsset(pubs[0])
	require.NoError(t, err)
	require.NotNil(t, env.Capsule)
	assert.Equal(t, "cap_abc123", env.Capsule.ID)
}

func TestWorkerIngestsInboundPublish(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.enqueue(peerPublish(t, "node-b"))
	st := newIngestStore(t)
	_, cancel, done := startWorker(t, ft, st)

	require.Eventually(t, func() bool {
		ext, err := st.RecentExternalCandidates(5)
		return err == nil && len(ext) == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopWorker(t, cancel, done)

	ext, err := st.RecentExternalCandidates(5)
	require.NoError(t, err)
	require.Len(t, ext, 1)
	require.NotNil(t, ext[0].Capsule)
	assert.Equal(t, "peer:node-b", ext[0].Capsule.Source)
}

func TestWorkerDropsRevokedAssetFromQuarantine(t *testing.T) {
	t.Parallel()

	keeper := validCapsule()
	keeper.ID = "cap_keep99"
	keepMsg, err := a2a.NewPublish("node-b", schemas.AssetEnvelope{Kind: schemas.KindCapsule, Capsule: keeper})
	require.NoError(t, err)

	// One poll drains all three in order: quarantine both capsules, then
	// the revoke withdraws the first.
	ft := newFakeTransport()
	ft.enqueue(peerPublish(t, "node-b"), keepMsg, a2a.NewRevoke("node-b", "cap_abc123"))
	st := newIngestStore(t)
	_, cancel, done := startWorker(t, ft, st)

	require.Eventually(t, func() bool {
		ext, err := st.RecentExternalCandidates(5)
		return err == nil && len(ext) == 1 && ext[0].AssetID() == "cap_keep99"
	}, 5*time.Second, 10*time.Millisecond)

	stopWorker(t, cancel, done)
}

func TestWorkerServesFetchFromStore(t *testing.T) {
	t.Parallel()

	st := newIngestStore(t)
	gene := schemas.Gene{
		Category:     schemas.CategoryRepair,
		SignalsMatch: []string{"panic"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.UpsertGene(&gene))

	ft := newFakeTransport()
	ft.enqueue(a2a.NewFetch("node-b", schemas.KindGene, gene.ID))
	_, cancel, done := startWorker(t, ft, st)

	require.Eventually(t, func() bool {
		return len(ft.sentOfType(schemas.MsgPublish)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopWorker(t, cancel, done)

	pubs := ft.sentOfType(schemas.MsgPublish)
	env, err := a2a.DecodeAsset(pubs[0])
	require.NoError(t, err)
	require.NotNil(t, env.Gene)
	assert.Equal(t, gene.ID, env.Gene.ID)
}

func TestWorkerIgnoresFetchForUnknownAsset(t *testing.T) {
	t.Parallel()

	st := newIngestStore(t)
	ft := newFakeTransport()
	ft.enqueue(a2a.NewFetch("node-b", schemas.KindCapsule, "cap_missing"))
	_, cancel, done := startWorker(t, ft, st)

	// The fetch is drained on the first poll; only the hello goes out.
	require.Eventually(t, func() bool {
		return len(ft.sentOfType(schemas.MsgHello)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stopWorker(t, cancel, done)
	assert.Empty(t, ft.sentOfType(schemas.MsgPublish))
}

func TestWorkerOfferNeverBlocks(t *testing.T) {
	t.Parallel()

	// No Run loop is draining, so anything past the queue capacity is
	// dropped instead of stalling the caller.
	w := a2a.NewWorker(zaptest.NewLogger(t), newIngestStore(t), newFakeTransport(), config.A2AConfig{NodeID: "node-a"})
	for i := 0; i < 100; i++ {
		w.Offer(capsuleEnvelope())
	}
}

func TestWorkerStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := newFakeTransport()
	ft.enqueue(peerPublish(t, "node-b"))
	st := newIngestStore(t)
	w, cancel, done := startWorker(t, ft, st)

	w.Offer(capsuleEnvelope())
	require.Eventually(t, func() bool {
		return len(ft.sentOfType(schemas.MsgPublish)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopWorker(t, cancel, done)
}
