// File: internal/service/initializers.go
package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/store"
)

// InitializeStore opens the asset store at its configured location. This
// is for commands that inspect state without building a full node.
func InitializeStore(logger *zap.Logger, cfg config.StoreConfig) (*store.Store, error) {
	st, err := store.New(cfg.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize asset store: %w", err)
	}
	return st, nil
}

// InitializeTransport opens the configured peer transport and returns a
// cleanup that closes it. Commands that talk to peers directly use this
// instead of wiring a worker.
func InitializeTransport(logger *zap.Logger, cfg config.A2AConfig) (a2a.Transport, func(), error) {
	transport, err := a2a.Open(logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open a2a transport: %w", err)
	}
	cleanup := func() {
		if err := transport.Close(); err != nil {
			logger.Warn("Transport close failed.", zap.Error(err))
		}
	}
	return transport, cleanup, nil
}
