// File: cmd/assets.go
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nxshade/evold/internal/observability"
	"github.com/nxshade/evold/internal/service"
	"github.com/nxshade/evold/internal/store"
)

// newAssetsCmd groups the read-only store inspection commands.
func newAssetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspects the genes, capsules, and ledger of the local store.",
	}
	cmd.AddCommand(newAssetsGenesCmd(), newAssetsCapsulesCmd(), newAssetsEventsCmd())
	return cmd
}

// openStore is the shared preamble of every assets subcommand.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, err
	}
	return service.InitializeStore(observability.GetLogger(), cfg.Store)
}

func newAssetsGenesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genes",
		Short: "Lists the strategies on file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			genes, err := st.LoadGenes()
			if err != nil {
				return fmt.Errorf("failed to load genes: %w", err)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tCATEGORY\tSIGNALS\tSOURCE")
			for _, gene := range genes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					gene.ID, gene.Category, strings.Join(gene.SignalsMatch, ","), gene.Source)
			}
			return tw.Flush()
		},
	}
}

func newAssetsCapsulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capsules",
		Short: "Lists the distilled outcomes on file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			capsules, err := st.LoadCapsules()
			if err != nil {
				return fmt.Errorf("failed to load capsules: %w", err)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tGENE\tCONFIDENCE\tSTREAK\tELIGIBLE\tSOURCE")
			for _, capsule := range capsules {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%v\t%s\n",
					capsule.ID, capsule.GeneID, capsule.Confidence,
					capsule.SuccessStreak, capsule.A2A.EligibleToBroadcast, capsule.Source)
			}
			return tw.Flush()
		},
	}
}

func newAssetsEventsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Shows the newest ledger events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			events, err := st.RecentEvents(limit)
			if err != nil {
				return fmt.Errorf("failed to load events: %w", err)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tGENE\tOUTCOME\tSCORE\tFILES\tLINES\tCREATED")
			for _, event := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\t%d\t%s\n",
					event.ID, event.GeneID, event.Outcome, event.Score,
					event.BlastRadius.Files, event.BlastRadius.Lines,
					event.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "How many of the newest events to show.")
	return cmd
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}
