package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/upwork"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List the marketplace categories and subcategories",
	Run: func(cmd *cobra.Command, _ []string) {
		categories(cmd)
	},
}

func init() {
	rootCmd.AddCommand(categoriesCmd)

	categoriesCmd.Flags().Bool("refresh", false, "reload the taxonomy from upstream")
}

func categories(cmd *cobra.Command) {
	ctx := context.Background()

	d := setup()
	defer d.close()

	if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
		if err := d.taxonomy.Refresh(ctx); err != nil && upwork.IsAuth(err) {
			d.fatal("upwork rejected the credentials", zap.Error(err), zap.String("hint", tokenHint))
		}
	}

	snap, err := d.taxonomy.Categories(ctx)
	if err != nil {
		d.fatal("loading categories", zap.Error(err))
	}
	if snap.Stale {
		d.logger.Warn("taxonomy is stale", zap.Time("fetched_at", snap.FetchedAt))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tPARENT")
	for _, e := range snap.Entries {
		label := e.Label
		if e.IsSubcategory() {
			label = "  " + label
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, label, e.ParentID)
	}
	if err := w.Flush(); err != nil {
		d.fatal("printing categories", zap.Error(err))
	}
}
