// File: internal/a2a/hubclient.go
package a2a

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// TransportHub is the registry name of the HTTP hub transport.
const TransportHub = "hub"

func init() {
	Register(TransportHub, func(logger *zap.Logger, cfg config.A2AConfig) (Transport, error) {
		return NewHubTransport(logger, cfg)
	})
}

const (
	defaultHubRate  = 2.0
	hubTimeout      = 30 * time.Second
	tokenLifetime   = 5 * time.Minute
	tokenRefreshPad = time.Minute
	maxHubErrorBody = 2048
)

// HubTransport speaks to a shared relay over its REST API. Every request is
// throttled through a token-bucket limiter so a chatty daemon cannot hammer
// the hub, and responses may arrive brotli or gzip compressed.
type HubTransport struct {
	logger  *zap.Logger
	nodeID  string
	base    string
	secret  string
	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	since   time.Time
	token   string
	tokenAt time.Time
}

// NewHubTransport builds a client for cfg.HubURL. cfg.HubToken, when set,
// is the shared secret bearer tokens are minted from.
func NewHubTransport(logger *zap.Logger, cfg config.A2AConfig) (*HubTransport, error) {
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("a2a: hub transport needs a2a.hub_url")
	}
	limit := cfg.HubRateLimit
	if limit <= 0 {
		limit = defaultHubRate
	}
	return &HubTransport{
		logger:  logger.Named("a2a-hub"),
		nodeID:  cfg.NodeID,
		base:    strings.TrimRight(cfg.HubURL, "/"),
		secret:  cfg.HubToken,
		client:  &http.Client{Timeout: hubTimeout},
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
	}, nil
}

func (t *HubTransport) Name() string { return TransportHub }

// Send posts one message to the hub.
func (t *HubTransport) Send(ctx context.Context, msg schemas.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("a2a: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("a2a: encode message: %w", err)
	}
	resp, err := t.do(ctx, http.MethodPost, t.base+"/api/messages", body)
	if err != nil {
		return err
	}
	defer drainClose(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return t.statusError(resp)
	}
	return nil
}

// Receive fetches messages the hub accepted since the previous call,
// dropping this node's own publications.
func (t *HubTransport) Receive(ctx context.Context) ([]schemas.Message, error) {
	t.mu.Lock()
	since := t.since
	t.mu.Unlock()

	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	msgs, err := t.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	var mine []schemas.Message
	latest := since
	for _, msg := range msgs {
		if msg.Timestamp.After(latest) {
			latest = msg.Timestamp
		}
		if msg.SenderID == t.nodeID {
			continue
		}
		mine = append(mine, msg)
	}

	t.mu.Lock()
	if latest.After(t.since) {
		t.since = latest
	}
	t.mu.Unlock()
	return mine, nil
}

// List returns the hub's backlog of one message type, own messages
// included.
func (t *HubTransport) List(ctx context.Context, mt schemas.MessageType) ([]schemas.Message, error) {
	if !schemas.ValidMessageType(mt) {
		return nil, fmt.Errorf("a2a: unknown message type %q", mt)
	}
	q := url.Values{}
	q.Set("type", string(mt))
	return t.fetch(ctx, q)
}

// Close releases pooled connections.
func (t *HubTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

type hubMessages struct {
	Messages []schemas.Message `json:"messages"`
}

func (t *HubTransport) fetch(ctx context.Context, q url.Values) ([]schemas.Message, error) {
	endpoint := t.base + "/api/messages"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	resp, err := t.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, t.statusError(resp)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("a2a: decode hub response: %w", err)
	}
	var out hubMessages
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("a2a: parse hub response: %w", err)
	}
	return out.Messages, nil
}

func (t *HubTransport) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("a2a: hub rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("a2a: build hub request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Setting Accept-Encoding by hand disables the transparent gzip path,
	// so decodeBody below handles both encodings itself.
	req.Header.Set("Accept-Encoding", "br, gzip")
	token, err := t.bearer()
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("a2a: hub request: %w", err)
	}
	return resp, nil
}

// bearer mints (and caches) a short-lived HS256 token from the shared
// secret, with this node's id as the subject. An empty secret disables
// authentication.
func (t *HubTransport) bearer() (string, error) {
	if t.secret == "" {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.token != "" && now.Before(t.tokenAt.Add(tokenLifetime-tokenRefreshPad)) {
		return t.token, nil
	}
	claims := jwt.MapClaims{
		"sub": t.nodeID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.secret))
	if err != nil {
		return "", fmt.Errorf("a2a: mint hub token: %w", err)
	}
	t.token = token
	t.tokenAt = now
	return token, nil
}

func (t *HubTransport) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHubErrorBody))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = resp.Status
	}
	return fmt.Errorf("a2a: hub returned %d: %s", resp.StatusCode, detail)
}

// decodeBody inflates the response according to its Content-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(reader)
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
