// File: internal/hub/archive.go

// Package hub implements the shared relay nodes exchange assets through:
// a small REST surface over an archive of accepted protocol messages.
// Archives come in two flavors, an in-memory ring for ephemeral hubs and
// a PostgreSQL table for durable ones.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Archive stores every message the hub accepts and replays slices of it
// to polling nodes. Implementations are safe for concurrent use.
type Archive interface {
	Save(ctx context.Context, msg schemas.Message) error
	Since(ctx context.Context, after time.Time, limit int) ([]schemas.Message, error)
	ByType(ctx context.Context, mt schemas.MessageType, limit int) ([]schemas.Message, error)
	Count(ctx context.Context) (int, error)
	Close()
}

// OpenArchive builds the archive cfg.Archive names.
func OpenArchive(ctx context.Context, logger *zap.Logger, cfg config.HubConfig) (Archive, error) {
	switch cfg.Archive {
	case "memory":
		return NewMemoryArchive(cfg.Retention), nil
	case "postgres":
		return openPostgresArchive(ctx, logger, cfg)
	default:
		return nil, fmt.Errorf("hub: unknown archive %q", cfg.Archive)
	}
}

// MemoryArchive keeps the newest messages in a bounded ring. Anything
// beyond the retention cap falls off the old end.
type MemoryArchive struct {
	mu        sync.RWMutex
	retention int
	msgs      []schemas.Message
}

func NewMemoryArchive(retention int) *MemoryArchive {
	if retention <= 0 {
		retention = 4096
	}
	return &MemoryArchive{retention: retention}
}

func (a *MemoryArchive) Save(_ context.Context, msg schemas.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
	if excess := len(a.msgs) - a.retention; excess > 0 {
		a.msgs = append(a.msgs[:0], a.msgs[excess:]...)
	}
	return nil
}

func (a *MemoryArchive) Since(_ context.Context, after time.Time, limit int) ([]schemas.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []schemas.Message
	for _, msg := range a.msgs {
		if !msg.Timestamp.After(after) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *MemoryArchive) ByType(_ context.Context, mt schemas.MessageType, limit int) ([]schemas.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []schemas.Message
	for _, msg := range a.msgs {
		if msg.Type != mt {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *MemoryArchive) Count(_ context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.msgs), nil
}

func (a *MemoryArchive) Close() {}
