package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema",
		Long: `Creates the primary identifier and result tables if they are missing and
reports which secondary queues have been seeded. Secondary queue tables are
created by "jobs init".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Ledger().Migrate(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ledger ready: %s\n", a.Ledger().Location())
			for _, name := range a.QueueNames() {
				store, err := a.Queue(name)
				if err != nil {
					return err
				}
				exists, err := store.QueueExists(ctx)
				if err != nil {
					return err
				}
				state := "not seeded"
				if exists {
					state = "seeded"
				}
				fmt.Fprintf(out, "queue %s: %s\n", name, state)
			}
			return nil
		},
	}
}
