// File: cmd/a2a.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/observability"
	"github.com/nxshade/evold/internal/service"
	"github.com/nxshade/evold/internal/store"
)

// newA2ACmd groups the one-shot peer exchange commands. The daemon runs
// the same exchange continuously; these exist for scripting and debugging.
func newA2ACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "a2a",
		Short: "Talks to peers over the configured transport.",
	}
	cmd.AddCommand(newA2APublishCmd(), newA2APullCmd(), newA2APeersCmd())
	return cmd
}

// openExchange is the shared preamble: config, store, and an open
// transport. The returned cleanup closes the transport.
func openExchange(cmd *cobra.Command) (*config.Config, *store.Store, a2a.Transport, func(), error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if !cfg.A2A.Enabled {
		return nil, nil, nil, nil, fmt.Errorf("peer exchange is disabled (set a2a.enabled: true)")
	}

	logger := observability.GetLogger()
	st, err := service.InitializeStore(logger, cfg.Store)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	transport, cleanup, err := service.InitializeTransport(logger, cfg.A2A)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, st, transport, cleanup, nil
}

func newA2APublishCmd() *cobra.Command {
	var capsuleID string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Broadcasts one capsule to peers.",
		Long: `Broadcasts a capsule from the local store to all peers.

Only capsules the pipeline marked eligible may travel; eligibility is
earned through a success streak within the configured blast radius.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, transport, cleanup, err := openExchange(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return runA2APublish(cmd.Context(), cmd.OutOrStdout(), cfg.A2A.NodeID, st, transport, capsuleID)
		},
	}
	cmd.Flags().StringVar(&capsuleID, "capsule", "", "ID of the capsule to broadcast.")
	_ = cmd.MarkFlagRequired("capsule")
	return cmd
}

func runA2APublish(ctx context.Context, out io.Writer, nodeID string, st *store.Store, transport a2a.Transport, capsuleID string) error {
	capsules, err := st.LoadCapsules()
	if err != nil {
		return fmt.Errorf("failed to load capsules: %w", err)
	}

	var capsule *schemas.Capsule
	for i := range capsules {
		if capsules[i].ID == capsuleID {
			capsule = &capsules[i]
			break
		}
	}
	if capsule == nil {
		return fmt.Errorf("capsule %q not found in the local store", capsuleID)
	}
	if !capsule.A2A.EligibleToBroadcast {
		return fmt.Errorf("capsule %q is not eligible to broadcast (streak %d)", capsuleID, capsule.SuccessStreak)
	}

	msg, err := a2a.NewPublish(nodeID, schemas.AssetEnvelope{
		Kind:    schemas.KindCapsule,
		Capsule: capsule,
	})
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("broadcast failed: %w", err)
	}

	fmt.Fprintf(out, "published capsule %s as message %s via %s\n", capsule.ID, msg.ID, transport.Name())
	return nil
}

func newA2APullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Drains inbound peer messages into quarantine.",
		Long: `Drains the transport once and quarantines every published asset.

Nothing a peer sends touches the live gene pool or capsule set; accepted
assets wait in the external candidate queue with decayed confidence.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, transport, cleanup, err := openExchange(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return runA2APull(cmd.Context(), cmd.OutOrStdout(), observability.GetLogger(), cfg.A2A, st, transport)
		},
	}
}

func runA2APull(ctx context.Context, out io.Writer, logger *zap.Logger, cfg config.A2AConfig, st *store.Store, transport a2a.Transport) error {
	msgs, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive failed: %w", err)
	}

	ingestor := a2a.NewIngestor(logger, st, cfg)
	var quarantined, rejected, noted int
	for _, msg := range msgs {
		if msg.Type != schemas.MsgPublish {
			noted++
			continue
		}
		if _, err := ingestor.Ingest(msg); err != nil {
			logger.Warn("Rejected peer asset.",
				zap.String("sender", msg.SenderID), zap.Error(err))
			rejected++
			continue
		}
		quarantined++
	}

	fmt.Fprintf(out, "pulled %d messages: %d quarantined, %d rejected, %d noted\n",
		len(msgs), quarantined, rejected, noted)
	return nil
}

func newA2APeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Lists peers that announced themselves.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, transport, cleanup, err := openExchange(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return runA2APeers(cmd.Context(), cmd.OutOrStdout(), transport)
		},
	}
}

func runA2APeers(ctx context.Context, out io.Writer, transport a2a.Transport) error {
	hellos, err := transport.List(ctx, schemas.MsgHello)
	if err != nil {
		return fmt.Errorf("failed to list peer announcements: %w", err)
	}

	// One row per node, keeping the newest announcement.
	latest := make(map[string]schemas.Message)
	for _, msg := range hellos {
		if prev, ok := latest[msg.SenderID]; ok && prev.Timestamp.After(msg.Timestamp) {
			continue
		}
		latest[msg.SenderID] = msg
	}
	nodes := make([]string, 0, len(latest))
	for node := range latest {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	tw := newTable(out)
	fmt.Fprintln(tw, "NODE\tTRANSPORT\tMAX FILES\tMAX LINES\tLAST SEEN")
	for _, node := range nodes {
		msg := latest[node]
		fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%s\n",
			node,
			msg.Payload["transport"],
			msg.Payload["broadcast_max_files"],
			msg.Payload["broadcast_max_lines"],
			msg.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
