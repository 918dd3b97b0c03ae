// File: internal/service/factory.go
package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/gitops"
	"github.com/nxshade/evold/internal/pipeline"
	"github.com/nxshade/evold/internal/sandbox"
	"github.com/nxshade/evold/internal/store"
)

// Build performs the dependency wiring for one node: asset store,
// repository client, sandbox runner, solidification pipeline, and the
// optional peer exchange on top.
func Build(logger *zap.Logger, cfg *config.Config) (*Components, error) {
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Asset store
	st, err := store.New(cfg.Store.Dir, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize asset store: %w", err)
		return nil, initializationErr
	}
	components.Store = st
	logger.Debug("Asset store initialized.", zap.String("dir", st.Dir()))

	// 2. Repository client. A workspace without one still starts; cycles
	// fail as environmental instead of guessing at the tree state.
	var git pipeline.Git
	if client, gitErr := gitops.Open(logger, cfg.Workspace.Root); gitErr != nil {
		logger.Warn("No usable repository at workspace root; cycles will fail until one exists.",
			zap.String("root", cfg.Workspace.Root), zap.Error(gitErr))
	} else {
		git = client
	}

	// 3. Sandbox runner
	sb := sandbox.New(logger, cfg.Sandbox)
	logger.Debug("Sandbox runner initialized.", zap.String("mode", cfg.Sandbox.Mode))

	// 4. Solidification pipeline
	components.Pipeline = pipeline.New(logger, cfg, st, git, sb)
	logger.Debug("Pipeline initialized.")

	// 5. Peer exchange, only when enabled.
	if cfg.A2A.Enabled {
		transport, err := a2a.Open(logger, cfg.A2A)
		if err != nil {
			initializationErr = fmt.Errorf("failed to open a2a transport: %w", err)
			return nil, initializationErr
		}
		components.Transport = transport

		worker := a2a.NewWorker(logger, st, transport, cfg.A2A)
		components.Worker = worker
		components.Pipeline.SetPublisher(worker)
		logger.Debug("Peer exchange initialized.",
			zap.String("transport", transport.Name()),
			zap.String("node", cfg.A2A.NodeID),
		)
	}

	logger.Info("All components initialized.")
	return components, nil
}
