package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/store"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"
)

var scorePrompt = promptui.Select{
	Label: "Score stored jobs now?",
	Items: []string{PromptYes, PromptNo},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch jobs for the configured searches into the store",
	Run: func(cmd *cobra.Command, _ []string) {
		fetch(cmd)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().String("search-term", "", "run a single search for this term instead of the configured searches")
	fetchCmd.Flags().String("cursor", "", "resume a single search from this cursor")
	fetchCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation before scoring")
	fetchCmd.Flags().Bool("score", false, "score stored jobs after fetching")
}

func fetch(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := setup()
	defer d.close()

	d.logger.Info("starting the upwork-harvester", zap.String("version", buildVersion()))

	filters, err := searchFilters(cmd, d.config)
	if err != nil {
		d.fatal("preparing searches", zap.Error(err))
	}

	report := d.pipeline().Run(ctx, filters)
	if err := printJSON(report); err != nil {
		d.logger.Error("printing the run summary", zap.Error(err))
	}

	if err := report.Err(); err != nil {
		for _, s := range report.Searches {
			if s.Err != nil && s.LastCursor != "" {
				d.logger.Warn("search can be resumed",
					zap.String("search", s.Search),
					zap.String("cursor", s.LastCursor),
				)
			}
		}
		if upwork.IsAuth(err) {
			d.fatal("upwork rejected the credentials", zap.Error(err), zap.String("hint", tokenHint))
		}
		d.fatal("fetch finished with errors", zap.Error(err))
	}

	if !d.aiEnabled() {
		return
	}

	yes, _ := cmd.Flags().GetBool("yes")
	score, _ := cmd.Flags().GetBool("score")
	if !score && !yes {
		if !interactive() {
			return
		}
		_, action, err := scorePrompt.Run()
		if err != nil {
			d.fatal("exiting", zap.Error(err))
		}
		if action != PromptYes {
			d.logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return
		}
	}

	if err := scoreStored(ctx, d, store.ListFilter{}); err != nil {
		d.fatal("scoring failed", zap.Error(err))
	}
}

// searchFilters returns the searches to run: the configured ones, or a single
// ad-hoc search when --search-term is set. --cursor only makes sense for one.
func searchFilters(cmd *cobra.Command, config *Config) ([]upwork.SearchFilter, error) {
	term, _ := cmd.Flags().GetString("search-term")
	cursor, _ := cmd.Flags().GetString("cursor")

	filters := slices.Clone(config.Searches)
	if term != "" {
		base := upwork.SearchFilter{}
		if len(filters) > 0 {
			base = filters[0]
		}
		base.Name = ""
		base.SearchTerm = term
		filters = []upwork.SearchFilter{base}
	}

	if len(filters) == 0 {
		return nil, errors.New("no searches configured: add 'searches' to the config or pass --search-term")
	}

	if cursor != "" {
		if len(filters) != 1 {
			return nil, fmt.Errorf("--cursor needs exactly one search, got %d", len(filters))
		}
		filters[0].Cursor = cursor
	}

	return filters, nil
}
