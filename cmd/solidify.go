// File: cmd/solidify.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/observability"
	"github.com/nxshade/evold/internal/pipeline"
	"github.com/nxshade/evold/internal/service"
)

// componentBuilder is the wiring function commands run on. Injected so
// tests can substitute fake components.
type componentBuilder func(logger *zap.Logger, cfg *config.Config) (*service.Components, error)

// newSolidifyCmd creates the 'solidify' command: one full cycle over
// whatever already changed in the working tree.
func newSolidifyCmd() *cobra.Command {
	var (
		geneID  string
		intent  string
		signals []string
		risk    string
		summary string
		dryRun  bool
	)

	buildFn := componentBuilder(service.Build)

	cmd := &cobra.Command{
		Use:   "solidify",
		Short: "Runs one solidification cycle over the staged working-tree change.",
		Long: `Solidify measures what changed in the workspace, verifies it (sandboxed
when engine source is touched), and either distills the outcome into a
capsule plus ledger event or rolls the tree back and records the failure.

WARNING: Without --dry-run a failing cycle restores the working tree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			in, err := solidifyInput(geneID, intent, signals, risk, summary, dryRun)
			if err != nil {
				return err
			}

			// Delegate the core logic to a separate, testable function.
			return runSolidify(ctx, logger, cfg, in, buildFn, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&geneID, "gene", "", "Stage a specific gene by ID instead of selecting one.")
	cmd.Flags().StringVar(&intent, "intent", "", "Cycle intent: repair, optimize, or innovate.")
	cmd.Flags().StringSliceVar(&signals, "signals", nil, "Signals describing why this cycle runs (comma-separated).")
	cmd.Flags().StringVar(&risk, "risk", "", "Risk level of the staged mutation: low, medium, or high.")
	cmd.Flags().StringVar(&summary, "summary", "", "One-line summary of the staged mutation.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate the cycle without persisting assets or touching the tree.")

	return cmd
}

// solidifyInput translates flags into a pipeline input, staging a mutation
// when the caller described one.
func solidifyInput(geneID, intent string, signals []string, risk, summary string, dryRun bool) (pipeline.Input, error) {
	in := pipeline.Input{GeneID: geneID, Signals: signals, DryRun: dryRun}

	if intent != "" {
		category := schemas.GeneCategory(intent)
		if !schemas.ValidCategory(category) {
			return in, fmt.Errorf("unknown intent %q (want repair, optimize, or innovate)", intent)
		}
		in.Intent = category
	}

	if summary != "" && risk == "" {
		return in, fmt.Errorf("--summary describes a staged mutation and needs --risk")
	}
	if risk != "" {
		level := schemas.RiskLevel(risk)
		if !schemas.ValidRiskLevel(level) {
			return in, fmt.Errorf("unknown risk level %q (want low, medium, or high)", risk)
		}
		if in.Intent == "" {
			return in, fmt.Errorf("a staged mutation needs --intent for its category")
		}
		in.Mutation = &schemas.Mutation{
			ID:        "mut_" + uuid.NewString(),
			Category:  in.Intent,
			RiskLevel: level,
			Summary:   summary,
			CreatedAt: time.Now().UTC(),
		}
	}
	return in, nil
}

// runSolidify contains the core logic for one cycle, decoupled from cobra.
func runSolidify(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	in pipeline.Input,
	buildFn componentBuilder,
	out io.Writer,
) error {
	components, err := buildFn(logger, cfg)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	// Run the peer exchange for the duration of the cycle so eligible
	// capsules go out immediately instead of waiting for a daemon.
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan error, 1)
	if components.Worker != nil {
		go func() { workerDone <- components.Worker.Run(workerCtx) }()
	}

	cycleCtx, cancel := context.WithTimeout(ctx, cfg.Engine.CycleTimeout)
	defer cancel()

	res, runErr := components.Pipeline.Run(cycleCtx, in)

	stopWorker()
	if components.Worker != nil {
		if err := <-workerDone; err != nil {
			logger.Warn("Peer exchange worker exited with error.", zap.Error(err))
		}
	}

	if runErr != nil {
		return fmt.Errorf("cycle could not record its outcome: %w", runErr)
	}

	printResult(out, res)
	if !res.OK {
		return fmt.Errorf("cycle failed (score %.2f)", res.Score)
	}
	return nil
}

func printResult(out io.Writer, res *pipeline.Result) {
	status := "SOLIDIFIED"
	if !res.OK {
		status = "FAILED"
		if res.RolledBack {
			status = "FAILED (rolled back)"
		}
	}
	fmt.Fprintf(out, "cycle:   %s\n", status)
	fmt.Fprintf(out, "score:   %.2f\n", res.Score)
	if res.Gene != nil {
		fmt.Fprintf(out, "gene:    %s (%s)\n", res.Gene.ID, res.Gene.Category)
	}
	if res.Capsule != nil {
		fmt.Fprintf(out, "capsule: %s (confidence %.2f, streak %d)\n",
			res.Capsule.ID, res.Capsule.Confidence, res.Capsule.SuccessStreak)
	}
	if res.Event != nil {
		fmt.Fprintf(out, "event:   %s\n", res.Event.ID)
	}
}
