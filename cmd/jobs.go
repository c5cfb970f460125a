package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/sitemap"
)

func queueNotSeeded(name string) error {
	return fmt.Errorf("%w: %s has not been seeded (run jobs init)", harvest.ErrUnknownQueue, name)
}

func newJobsCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage a secondary work queue seeded from the primary ledger",
	}
	cmd.PersistentFlags().StringVar(&queue, "queue", "jobs", "configured secondary queue")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Drop and rebuild the queue from matching primary identifiers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				sec, err := a.Secondary(cmd.Context(), queue)
				if err != nil {
					return err
				}
				return withLease(cmd.Context(), a, "queue:"+queue, func(ctx context.Context) error {
					n, err := sec.Seed(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %d identifiers into %s\n", n, queue)
					return nil
				})
			},
		},
		newJobsBatchCmd(&queue),
		newJobsPipelineCmd(&queue),
		&cobra.Command{
			Use:   "check",
			Short: "Show how much of the queue is left",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				sec, err := a.Secondary(cmd.Context(), queue)
				if err != nil {
					return err
				}
				progress, err := sec.Check(cmd.Context())
				if err != nil {
					return err
				}
				printProgress(cmd.OutOrStdout(), queue, progress)
				return nil
			},
		},
		newCompareSitemapCmd(&queue),
	)
	return cmd
}

func newJobsBatchCmd(queue *string) *cobra.Command {
	var runs runFlags
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Fetch and checkpoint one batch of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sec, err := a.Secondary(cmd.Context(), *queue)
			if err != nil {
				return err
			}
			return withLease(cmd.Context(), a, "queue:"+*queue, func(ctx context.Context) error {
				res, err := sec.Batch(ctx, runs.limit, runs.waitHint(a))
				if err != nil {
					return err
				}
				printBatch(cmd.OutOrStdout(), *queue, res)
				return nil
			})
		},
	}
	runs.register(cmd, false)
	return cmd
}

func newJobsPipelineCmd(queue *string) *cobra.Command {
	var runs runFlags
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run batches until the queue drains or a batch saves nothing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sec, err := a.Secondary(cmd.Context(), *queue)
			if err != nil {
				return err
			}
			return withLease(cmd.Context(), a, "queue:"+*queue, func(ctx context.Context) error {
				report, err := sec.Run(ctx, runs.options(a))
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), *queue, report)
				return nil
			})
		},
	}
	runs.register(cmd, true)
	return cmd
}

func newCompareSitemapCmd(queue *string) *cobra.Command {
	var show int
	cmd := &cobra.Command{
		Use:   "compare-sitemap FILE",
		Short: "Compare the queue against urls listed in a sitemap file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sec, err := a.Secondary(cmd.Context(), *queue)
			if err != nil {
				return err
			}
			entries, _, err := sitemap.NewReader("", a.Logger().Named("sitemap")).ReadFile(args[0])
			if err != nil {
				return err
			}
			urls := make([]string, 0, len(entries))
			for _, e := range entries {
				urls = append(urls, e.URL)
			}
			cmp, err := sec.CompareSitemap(cmd.Context(), urls)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "in both: %d\nonly in %s: %d\nonly in sitemap: %d\n", cmp.InBoth, *queue, cmp.LedgerOnly, cmp.SitemapOnly)
			for i, u := range cmp.Missing {
				if i >= show {
					fmt.Fprintf(out, "  ... and %d more\n", len(cmp.Missing)-show)
					break
				}
				fmt.Fprintf(out, "  missing: %s\n", u)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&show, "show", 10, "how many missing urls to list")
	return cmd
}
