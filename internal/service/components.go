// File: internal/service/components.go
package service

import (
	"go.uber.org/zap"

	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/observability"
	"github.com/nxshade/evold/internal/pipeline"
	"github.com/nxshade/evold/internal/store"
)

// Components holds the initialized services one node runs on. Commands
// build it once and tear it down through Shutdown so resources are
// released in a single place, in order.
type Components struct {
	Store     *store.Store
	Pipeline  *pipeline.Pipeline
	Transport a2a.Transport
	Worker    *a2a.Worker
}

// Shutdown releases held resources. Callers stop the worker first by
// canceling its run context; Shutdown then closes the transport under it.
// Safe to call on a partially initialized struct.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning component shutdown sequence.")

	if c.Transport != nil {
		if err := c.Transport.Close(); err != nil {
			logger.Warn("Transport close failed.", zap.Error(err))
		} else {
			logger.Debug("Transport closed.")
		}
	}

	logger.Info("All components shut down.")
}
