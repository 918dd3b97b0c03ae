// File: cmd/daemon.go
package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/observability"
	"github.com/nxshade/evold/internal/pipeline"
	"github.com/nxshade/evold/internal/service"
)

// newDaemonCmd creates the 'daemon' command: solidification cycles on an
// interval with the peer exchange running alongside when enabled.
func newDaemonCmd() *cobra.Command {
	buildFn := componentBuilder(service.Build)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Runs solidification cycles on an interval until interrupted.",
		Long: `The daemon runs one cycle immediately, then again every engine.interval.
Each cycle picks up whatever changed in the working tree since the last one.
With a2a.enabled the peer exchange worker shares and ingests assets in the
background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runDaemon(ctx, logger, cfg, buildFn)
		},
	}
	return cmd
}

// runDaemon contains the daemon loop, decoupled from cobra.
func runDaemon(ctx context.Context, logger *zap.Logger, cfg *config.Config, buildFn componentBuilder) error {
	components, err := buildFn(logger, cfg)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	g, gctx := errgroup.WithContext(ctx)

	if components.Worker != nil {
		g.Go(func() error { return components.Worker.Run(gctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Engine.Interval)
		defer ticker.Stop()
		logger.Info("Daemon started.", zap.Duration("interval", cfg.Engine.Interval))
		for {
			runDaemonCycle(gctx, logger, cfg, components)
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Daemon stopped.")
	return nil
}

// runDaemonCycle runs one cycle from persisted carry-over state. Failures
// are recorded in the ledger by the pipeline itself; only store-level
// breakage is worth logging here.
func runDaemonCycle(ctx context.Context, logger *zap.Logger, cfg *config.Config, components *service.Components) {
	if ctx.Err() != nil {
		return
	}
	cycleCtx, cancel := context.WithTimeout(ctx, cfg.Engine.CycleTimeout)
	defer cancel()

	res, err := components.Pipeline.Run(cycleCtx, pipeline.Input{})
	if err != nil {
		logger.Error("Cycle could not record its outcome.", zap.Error(err))
		return
	}
	logger.Info("Cycle finished.",
		zap.Bool("ok", res.OK),
		zap.Float64("score", res.Score),
		zap.Bool("rolled_back", res.RolledBack),
	)
}
