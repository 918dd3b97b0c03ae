// File: internal/a2a/ingest.go
package a2a

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/store"
)

const defaultConfidenceDecay = 0.6

// Ingestor quarantines assets arriving from peers. Nothing it accepts
// touches the live gene pool or capsule set: every asset lands in the
// external candidate queue with decayed confidence and peer provenance,
// waiting for an operator to promote it.
type Ingestor struct {
	logger *zap.Logger
	store  *store.Store
	decay  float64
}

// NewIngestor wires the quarantine queue. cfg.ConfidenceDecay scales a
// received capsule's confidence; values outside (0,1] fall back to the
// default.
func NewIngestor(logger *zap.Logger, st *store.Store, cfg config.A2AConfig) *Ingestor {
	decay := cfg.ConfidenceDecay
	if decay <= 0 || decay > 1 {
		decay = defaultConfidenceDecay
	}
	return &Ingestor{
		logger: logger.Named("a2a-ingest"),
		store:  st,
		decay:  decay,
	}
}

// Ingest decodes a publish message, stamps peer provenance onto the
// asset and appends it to the external candidate queue. The returned
// envelope reflects the stamped state.
func (in *Ingestor) Ingest(msg schemas.Message) (*schemas.AssetEnvelope, error) {
	env, err := DecodeAsset(msg)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	source := "peer:" + msg.SenderID

	switch env.Kind {
	case schemas.KindCapsule:
		c := env.Capsule
		c.Confidence *= in.decay
		if c.Confidence > 1 {
			c.Confidence = 1
		}
		c.Source = source
		c.ReceivedAt = &now
		// A capsule proven elsewhere has to re-earn its streak here
		// before it may travel onward.
		c.A2A.EligibleToBroadcast = false
		c.SuccessStreak = 0
	case schemas.KindGene:
		env.Gene.Source = source
	case schemas.KindEvent:
		if env.Event.Meta == nil {
			env.Event.Meta = make(map[string]any)
		}
		env.Event.Meta["source"] = source
		env.Event.Meta["received_at"] = now.Format(time.RFC3339Nano)
	}

	if err := in.store.AppendExternalCandidate(env); err != nil {
		return nil, fmt.Errorf("a2a: quarantine asset from %s: %w", msg.SenderID, err)
	}
	in.logger.Info("Quarantined peer asset",
		zap.String("kind", string(env.Kind)),
		zap.String("sender", msg.SenderID),
		zap.String("message_id", msg.ID),
	)
	return env, nil
}
