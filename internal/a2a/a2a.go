// File: internal/a2a/a2a.go

// Package a2a implements the agent-to-agent asset exchange: the message
// envelope, pluggable transports (file queue, HTTP hub, NATS), ingestion of
// peer assets under confidence decay, and the background worker that
// decouples publishing from the solidification cycle.
package a2a

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewMessage assembles a well-formed protocol envelope from this node.
func NewMessage(nodeID string, t schemas.MessageType, payload map[string]any) schemas.Message {
	return schemas.Message{
		Protocol:        schemas.ProtocolName,
		ProtocolVersion: schemas.ProtocolVersion,
		Type:            t,
		ID:              "msg_" + uuid.New().String(),
		SenderID:        nodeID,
		Timestamp:       time.Now().UTC(),
		Payload:         payload,
	}
}

// NewHello advertises this node and its broadcast limits to peers.
func NewHello(nodeID string, cfg config.A2AConfig) schemas.Message {
	return NewMessage(nodeID, schemas.MsgHello, map[string]any{
		"node":                nodeID,
		"transport":           cfg.Transport,
		"broadcast_max_files": cfg.BroadcastMaxFiles,
		"broadcast_max_lines": cfg.BroadcastMaxLines,
	})
}

// NewPublish wraps one asset for broadcast. The payload is the asset
// envelope itself, so receivers decode it with DecodeAsset.
func NewPublish(nodeID string, env schemas.AssetEnvelope) (schemas.Message, error) {
	if err := env.Validate(); err != nil {
		return schemas.Message{}, fmt.Errorf("a2a: publish payload: %w", err)
	}
	payload, err := toPayload(env)
	if err != nil {
		return schemas.Message{}, err
	}
	return NewMessage(nodeID, schemas.MsgPublish, payload), nil
}

// NewFetch requests an asset by kind and id. The id doubles as the content
// hash, so no separate hash field is needed.
func NewFetch(nodeID string, kind schemas.AssetKind, id string) schemas.Message {
	return NewMessage(nodeID, schemas.MsgFetch, map[string]any{
		"kind": string(kind),
		"id":   id,
	})
}

// Verdicts a decision message may carry.
const (
	DecisionAccept     = "accept"
	DecisionReject     = "reject"
	DecisionQuarantine = "quarantine"
)

// NewDecision records a verdict on a previously received asset.
func NewDecision(nodeID, assetID, verdict, reason string) (schemas.Message, error) {
	switch verdict {
	case DecisionAccept, DecisionReject, DecisionQuarantine:
	default:
		return schemas.Message{}, fmt.Errorf("a2a: unknown decision verdict %q", verdict)
	}
	payload := map[string]any{"asset_id": assetID, "decision": verdict}
	if reason != "" {
		payload["reason"] = reason
	}
	return NewMessage(nodeID, schemas.MsgDecision, payload), nil
}

// NewRevoke withdraws an asset this node previously published.
func NewRevoke(nodeID, assetID string) schemas.Message {
	return NewMessage(nodeID, schemas.MsgRevoke, map[string]any{"asset_id": assetID})
}

// NewReport attaches a validation report to a previously received asset.
func NewReport(nodeID, assetID string, report *schemas.ValidationReport) (schemas.Message, error) {
	payload, err := toPayload(report)
	if err != nil {
		return schemas.Message{}, err
	}
	payload["asset_id"] = assetID
	return NewMessage(nodeID, schemas.MsgReport, payload), nil
}

// DecodeAsset extracts and validates the asset envelope of a publish
// message. Any payload that is not exactly one valid asset is rejected.
func DecodeAsset(msg schemas.Message) (*schemas.AssetEnvelope, error) {
	if msg.Type != schemas.MsgPublish {
		return nil, fmt.Errorf("a2a: message %s is %q, not a publish", msg.ID, msg.Type)
	}
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("a2a: message %s: encode payload: %w", msg.ID, err)
	}
	var env schemas.AssetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("a2a: message %s: decode asset: %w", msg.ID, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("a2a: message %s: %w", msg.ID, err)
	}
	return &env, nil
}

func toPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("a2a: encode payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("a2a: shape payload: %w", err)
	}
	return payload, nil
}

// Transport moves protocol messages between this node and its peers. Send
// must reject malformed messages. Receive drains messages that arrived
// since the previous call; List returns the known backlog of one type.
// Implementations are safe for concurrent use.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg schemas.Message) error
	Receive(ctx context.Context) ([]schemas.Message, error)
	List(ctx context.Context, t schemas.MessageType) ([]schemas.Message, error)
	Close() error
}

// Follower is implemented by transports that can stream inbound publish
// messages without polling. The worker prefers it when present.
type Follower interface {
	Follow(ctx context.Context) (<-chan schemas.Message, error)
}

// Factory builds one transport from configuration.
type Factory func(logger *zap.Logger, cfg config.A2AConfig) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a transport constructor available under name. Later
// registrations replace earlier ones, which lets tests install fakes.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open builds the transport cfg.Transport names.
func Open(logger *zap.Logger, cfg config.A2AConfig) (Transport, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Transport]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("a2a: unknown transport %q (registered: %v)", cfg.Transport, registeredNames())
	}
	return factory(logger, cfg)
}

func registeredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
