// File: internal/a2a/worker.go
package a2a

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/store"
)

const (
	offerQueueSize  = 64
	receivePollTick = 5 * time.Second
)

// Worker runs the peer exchange beside the daemon: it announces the node,
// publishes capsules the pipeline offers and routes inbound traffic into
// the quarantine queue. It satisfies the pipeline's Publisher hook, so a
// full offer queue drops candidates instead of stalling a cycle.
type Worker struct {
	logger    *zap.Logger
	cfg       config.A2AConfig
	store     *store.Store
	transport Transport
	ingest    *Ingestor
	offers    chan schemas.AssetEnvelope
}

func NewWorker(logger *zap.Logger, st *store.Store, transport Transport, cfg config.A2AConfig) *Worker {
	return &Worker{
		logger:    logger.Named("a2a-worker"),
		cfg:       cfg,
		store:     st,
		transport: transport,
		ingest:    NewIngestor(logger, st, cfg),
		offers:    make(chan schemas.AssetEnvelope, offerQueueSize),
	}
}

// Offer queues an asset for broadcast without blocking the caller.
func (w *Worker) Offer(env schemas.AssetEnvelope) {
	select {
	case w.offers <- env:
	default:
		w.logger.Warn("Offer queue full, dropping broadcast candidate.",
			zap.String("kind", string(env.Kind)))
	}
}

// Run announces the node and drives the send and receive loops until the
// context ends. Cancellation is a clean shutdown, not an error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.transport.Send(ctx, NewHello(w.cfg.NodeID, w.cfg)); err != nil {
		w.logger.Warn("Hello announcement failed.", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.sendLoop(ctx) })
	g.Go(func() error { return w.receiveLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-w.offers:
			msg, err := NewPublish(w.cfg.NodeID, env)
			if err != nil {
				w.logger.Warn("Skipping unpublishable candidate.", zap.Error(err))
				continue
			}
			if err := w.transport.Send(ctx, msg); err != nil {
				w.logger.Error("Broadcast failed.", zap.Error(err))
				continue
			}
			w.logger.Info("Broadcast sent.",
				zap.String("kind", string(env.Kind)),
				zap.String("message_id", msg.ID))
		}
	}
}

// receiveLoop prefers a transport that can follow its feed; everything
// else is polled on a fixed tick.
func (w *Worker) receiveLoop(ctx context.Context) error {
	if follower, ok := w.transport.(Follower); ok {
		ch, err := follower.Follow(ctx)
		if err == nil {
			return w.followLoop(ctx, ch)
		}
		w.logger.Warn("Transport follow unavailable, falling back to polling.", zap.Error(err))
	}
	return w.pollLoop(ctx)
}

func (w *Worker) followLoop(ctx context.Context, ch <-chan schemas.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(receivePollTick)
	defer ticker.Stop()
	for {
		msgs, err := w.transport.Receive(ctx)
		if err != nil {
			w.logger.Warn("Receive failed.", zap.Error(err))
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg schemas.Message) {
	switch msg.Type {
	case schemas.MsgPublish:
		if _, err := w.ingest.Ingest(msg); err != nil {
			w.logger.Warn("Rejected peer asset.",
				zap.String("sender", msg.SenderID), zap.Error(err))
		}
	case schemas.MsgFetch:
		w.serveFetch(ctx, msg)
	case schemas.MsgHello:
		w.logger.Info("Peer announced itself.",
			zap.String("sender", msg.SenderID),
			zap.Any("payload", msg.Payload))
	case schemas.MsgReport, schemas.MsgDecision:
		w.logger.Info("Peer feedback recorded.",
			zap.String("type", string(msg.Type)),
			zap.String("sender", msg.SenderID),
			zap.Any("asset_id", msg.Payload["asset_id"]))
	case schemas.MsgRevoke:
		w.handleRevoke(msg)
	default:
		w.logger.Warn("Unhandled message type.", zap.String("type", string(msg.Type)))
	}
}

// handleRevoke withdraws the named asset from the quarantine queue. Assets
// an operator already promoted are out of reach and stay.
func (w *Worker) handleRevoke(msg schemas.Message) {
	id, _ := msg.Payload["asset_id"].(string)
	if id == "" {
		w.logger.Warn("Revoke without asset id.", zap.String("sender", msg.SenderID))
		return
	}
	removed, err := w.store.RemoveExternalCandidate(id)
	if err != nil {
		w.logger.Error("Failed to drop revoked asset.",
			zap.String("asset_id", id), zap.Error(err))
		return
	}
	w.logger.Info("Peer revoked an asset.",
		zap.String("sender", msg.SenderID),
		zap.String("asset_id", id),
		zap.Int("dropped", removed))
}

// serveFetch answers a peer's fetch with a publish of the requested
// asset, when this node holds it.
func (w *Worker) serveFetch(ctx context.Context, msg schemas.Message) {
	kind, _ := msg.Payload["kind"].(string)
	id, _ := msg.Payload["id"].(string)
	if id == "" {
		w.logger.Warn("Fetch without asset id.", zap.String("sender", msg.SenderID))
		return
	}

	var env *schemas.AssetEnvelope
	switch schemas.AssetKind(kind) {
	case schemas.KindGene:
		genes, err := w.store.LoadGenes()
		if err != nil {
			w.logger.Error("Gene pool unreadable while serving fetch.", zap.Error(err))
			return
		}
		for i := range genes {
			if genes[i].ID == id {
				env = &schemas.AssetEnvelope{Kind: schemas.KindGene, Gene: &genes[i]}
				break
			}
		}
	case schemas.KindCapsule:
		capsules, err := w.store.LoadCapsules()
		if err != nil {
			w.logger.Error("Capsule set unreadable while serving fetch.", zap.Error(err))
			return
		}
		for i := range capsules {
			if capsules[i].ID == id {
				env = &schemas.AssetEnvelope{Kind: schemas.KindCapsule, Capsule: &capsules[i]}
				break
			}
		}
	default:
		w.logger.Warn("Fetch for unsupported kind.",
			zap.String("kind", kind), zap.String("sender", msg.SenderID))
		return
	}

	if env == nil {
		w.logger.Info("Fetch for unknown asset.",
			zap.String("kind", kind), zap.String("id", id),
			zap.String("sender", msg.SenderID))
		return
	}
	reply, err := NewPublish(w.cfg.NodeID, *env)
	if err != nil {
		w.logger.Error("Could not package fetch reply.", zap.Error(err))
		return
	}
	if err := w.transport.Send(ctx, reply); err != nil {
		w.logger.Error("Fetch reply failed.", zap.Error(err))
		return
	}
	w.logger.Info("Served fetch.", zap.String("kind", kind), zap.String("id", id))
}
