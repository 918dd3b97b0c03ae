// File: internal/a2a/nats.go
package a2a

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// TransportNATS is the registry name of the NATS transport.
const TransportNATS = "nats"

func init() {
	Register(TransportNATS, func(logger *zap.Logger, cfg config.A2AConfig) (Transport, error) {
		return NewNATSTransport(logger, cfg)
	})
}

const (
	natsSubjectPrefix = "evold.a2a."
	natsSubjectWild   = "evold.a2a.>"
	natsBufferSize    = 256
	natsReconnectWait = 2 * time.Second
)

// NATSTransport publishes each message type on its own subject under
// evold.a2a. and buffers everything arriving on the wildcard
// subscription until the next Receive. NATS keeps no backlog, so List
// only sees what the buffer currently holds.
type NATSTransport struct {
	logger *zap.Logger
	nodeID string
	conn   *nats.Conn
	sub    *nats.Subscription

	mu  sync.Mutex
	buf []schemas.Message
}

// NewNATSTransport connects to cfg.NATSUrl (the default NATS URL when
// empty) and subscribes to the shared subject tree.
func NewNATSTransport(logger *zap.Logger, cfg config.A2AConfig) (*NATSTransport, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("evold-"+cfg.NodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("a2a: connect to nats %s: %w", url, err)
	}

	t := &NATSTransport{
		logger: logger.Named("a2a-nats"),
		nodeID: cfg.NodeID,
		conn:   conn,
	}
	sub, err := conn.Subscribe(natsSubjectWild, t.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("a2a: subscribe %s: %w", natsSubjectWild, err)
	}
	t.sub = sub
	t.logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return t, nil
}

func (t *NATSTransport) Name() string { return TransportNATS }

// Send publishes the message on evold.a2a.<type>.
func (t *NATSTransport) Send(_ context.Context, msg schemas.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("a2a: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("a2a: encode message: %w", err)
	}
	subject := natsSubjectPrefix + string(msg.Type)
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("a2a: publish %s: %w", subject, err)
	}
	return nil
}

// Receive drains the subscription buffer.
func (t *NATSTransport) Receive(_ context.Context) ([]schemas.Message, error) {
	t.mu.Lock()
	msgs := t.buf
	t.buf = nil
	t.mu.Unlock()

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// List reports buffered messages of one type without consuming them.
func (t *NATSTransport) List(_ context.Context, mt schemas.MessageType) ([]schemas.Message, error) {
	if !schemas.ValidMessageType(mt) {
		return nil, fmt.Errorf("a2a: unknown message type %q", mt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []schemas.Message
	for _, msg := range t.buf {
		if msg.Type == mt {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Close unsubscribes and closes the connection.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.conn.Close()
	return nil
}

func (t *NATSTransport) onMessage(m *nats.Msg) {
	var msg schemas.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		t.logger.Warn("Dropping undecodable NATS message", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		t.logger.Warn("Dropping invalid NATS message", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if msg.SenderID == t.nodeID {
		return
	}

	t.mu.Lock()
	if len(t.buf) >= natsBufferSize {
		drop := len(t.buf) - natsBufferSize + 1
		t.buf = append(t.buf[:0], t.buf[drop:]...)
		t.logger.Warn("NATS buffer full, dropping oldest messages", zap.Int("dropped", drop))
	}
	t.buf = append(t.buf, msg)
	t.mu.Unlock()
}
