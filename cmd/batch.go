package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/ledger"
)

func newBatchCmd() *cobra.Command {
	var (
		sel  selectionFlags
		runs runFlags
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Fetch and checkpoint one batch of unvisited identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pred, err := sel.resolve(a)
			if err != nil {
				return err
			}
			coord, err := a.Coordinator(cmd.Context())
			if err != nil {
				return err
			}
			return withLease(cmd.Context(), a, ledger.PrimaryName, func(ctx context.Context) error {
				res, err := coord.RunBatch(ctx, pred, runs.limit, runs.waitHint(a))
				if err != nil {
					return err
				}
				printBatch(cmd.OutOrStdout(), ledger.PrimaryName, res)
				progress, err := coord.Check(ctx, pred)
				if err != nil {
					return err
				}
				printProgress(cmd.OutOrStdout(), pred.Name, progress)
				return nil
			})
		},
	}
	sel.register(cmd)
	runs.register(cmd, false)
	return cmd
}

func newPipelineCmd() *cobra.Command {
	var (
		sel        selectionFlags
		runs       runFlags
		stopOnZero bool
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run batches until the selection drains or stops making progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pred, err := sel.resolve(a)
			if err != nil {
				return err
			}
			coord, err := a.Coordinator(cmd.Context())
			if err != nil {
				return err
			}
			opts := runs.options(a)
			opts.StopOnZeroSaved = stopOnZero || a.Config().Pipeline.StopOnZeroSaved
			return withLease(cmd.Context(), a, ledger.PrimaryName, func(ctx context.Context) error {
				report, err := coord.RunPipeline(ctx, pred, opts)
				printReport(cmd.OutOrStdout(), ledger.PrimaryName, report)
				return err
			})
		},
	}
	sel.register(cmd)
	runs.register(cmd, true)
	cmd.Flags().BoolVar(&stopOnZero, "stop-on-zero-saved", false, "stop after a batch that saved nothing")
	return cmd
}
