package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/ledger"
)

func newStatsCmd() *cobra.Command {
	var (
		format string
		queue  string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show visited/unvisited totals by source tag and result counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store := a.Ledger()
			if queue != "" && queue != ledger.PrimaryName {
				if store, err = seededQueue(cmd, a, queue); err != nil {
					return err
				}
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), format, stats)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json or yaml")
	cmd.Flags().StringVar(&queue, "queue", "", "secondary queue to report on")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var sel selectionFlags
	cmd := &cobra.Command{
		Use:   "check [PATTERN]",
		Short: "Show how much of a selection is left",
		Long: `Counts total and unvisited identifiers of a selection. A positional
PATTERN selects urls containing it (combine with --exclude); otherwise the
named predicate is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				sel.pattern = args[0]
			}
			pred, err := sel.resolve(a)
			if err != nil {
				return err
			}
			progress, err := coordinator.Measure(cmd.Context(), a.Ledger(), pred)
			if err != nil {
				return err
			}
			label := pred.Name
			if sel.pattern != "" {
				label = pred.String()
			}
			printProgress(cmd.OutOrStdout(), label, progress)
			return nil
		},
	}
	sel.register(cmd)
	return cmd
}

func seededQueue(cmd *cobra.Command, a App, name string) (*ledger.Store, error) {
	store, err := a.Queue(name)
	if err != nil {
		return nil, err
	}
	exists, err := store.QueueExists(cmd.Context())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, queueNotSeeded(name)
	}
	return store, nil
}
