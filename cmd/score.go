package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/store"
)

const dateLayout = "2006-01-02"

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score stored jobs against the profile",
	Run: func(cmd *cobra.Command, _ []string) {
		runScore(cmd)
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	addListFlags(scoreCmd)
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().String("category", "", "only jobs of this category or subcategory")
	cmd.Flags().Float64("budget-min", 0, "only jobs whose budget reaches this amount")
	cmd.Flags().Float64("budget-max", 0, "only jobs whose budget starts at or below this amount")
	cmd.Flags().String("posted-from", "", "only jobs posted on or after this date (YYYY-MM-DD)")
	cmd.Flags().String("posted-to", "", "only jobs posted on or before this date (YYYY-MM-DD)")
}

func listFilter(cmd *cobra.Command) (store.ListFilter, error) {
	var f store.ListFilter
	f.Category, _ = cmd.Flags().GetString("category")

	if cmd.Flags().Changed("budget-min") {
		v, _ := cmd.Flags().GetFloat64("budget-min")
		f.BudgetMin = &v
	}
	if cmd.Flags().Changed("budget-max") {
		v, _ := cmd.Flags().GetFloat64("budget-max")
		f.BudgetMax = &v
	}

	for flag, target := range map[string]*time.Time{"posted-from": &f.PostedFrom, "posted-to": &f.PostedTo} {
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return store.ListFilter{}, fmt.Errorf("--%s: %w", flag, err)
		}
		*target = t
	}

	return f, nil
}

func runScore(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := setup()
	defer d.close()

	filter, err := listFilter(cmd)
	if err != nil {
		d.fatal("parsing filters", zap.Error(err))
	}

	if !d.aiEnabled() {
		d.logger.Warn("ai is disabled, results will not be stored", zap.String("hint", "set ai.enabled in the configuration file"))
	}

	if err := scoreStored(ctx, d, filter); err != nil {
		d.fatal("scoring failed", zap.Error(err))
	}
}

// scoreStored scores the stored jobs matching filter and prints one line per job.
func scoreStored(ctx context.Context, d *deps, filter store.ListFilter) error {
	scorer, err := d.scorer(ctx)
	if err != nil {
		return fmt.Errorf("creating the scorer: %w", err)
	}

	summary, prompt, err := d.scoringInputs(ctx)
	if err != nil {
		return err
	}

	report, err := d.pipeline().Score(ctx, scorer, summary, prompt, filter, d.batchOptions())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSCORE\tDETAILS")
	for _, o := range report.Outcomes {
		if o.OK() {
			fmt.Fprintf(w, "%s\t%d\t%s\n", o.JobID, o.Result.Score, o.Result.Rationale)
			continue
		}
		fmt.Fprintf(w, "%s\t-\t%s\n", o.JobID, o.Err.Error())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	return printJSON(report)
}
