package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/sitemap"
)

const importChunk = 1000

func newImportCmd() *cobra.Command {
	var sourceTag string
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Add identifiers from sitemap XML files or url lists",
		Long: `Reads each file as a sitemap urlset, a sitemap index (following child
sitemaps stored next to it) or a plain list with one url per line. URLs
already in the ledger are left untouched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			reader := sitemap.NewReader(sourceTag, a.Logger().Named("sitemap"))
			out := cmd.OutOrStdout()

			var read, inserted, skipped int
			for _, path := range args {
				entries, n, err := reader.ReadFile(path)
				if err != nil {
					return err
				}
				skipped += n
				read += len(entries)
				added, err := insertChunked(cmd, a, entries)
				if err != nil {
					return err
				}
				inserted += added
				fmt.Fprintf(out, "%s: %d urls, %d new\n", path, len(entries), added)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			a.Logger().Info("import finished",
				zap.Int("read", read),
				zap.Int("inserted", inserted),
				zap.Int("skipped_sitemaps", skipped),
			)
			fmt.Fprintf(out, "imported %d new of %d urls", inserted, read)
			if skipped > 0 {
				fmt.Fprintf(out, " (%d remote child sitemaps skipped)", skipped)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceTag, "source-tag", "sitemap", "source tag recorded on new identifiers")
	return cmd
}

func insertChunked(cmd *cobra.Command, a App, entries []harvest.Entry) (int, error) {
	total := 0
	for start := 0; start < len(entries); start += importChunk {
		end := min(start+importChunk, len(entries))
		n, err := a.Ledger().InsertIdentifiers(cmd.Context(), entries[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
