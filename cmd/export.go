package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/export"
	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/store"
)

const latestRun = "latest"

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored jobs as JSON, CSV or XLSX",
	Run: func(cmd *cobra.Command, _ []string) {
		runExport(cmd)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	addListFlags(exportCmd)

	exportCmd.Flags().StringP("format", "f", "", "json, csv or xlsx (asked interactively when omitted)")
	exportCmd.Flags().StringP("output", "o", "-", "output file, '-' for stdout")
	exportCmd.Flags().String("run-id", "", "embed scores of this run into a json export ('latest' for the newest)")
}

func runExport(cmd *cobra.Command) {
	ctx := context.Background()

	d := setup()
	defer d.close()

	format, err := exportFormat(cmd)
	if err != nil {
		d.fatal("choosing the export format", zap.Error(err))
	}

	filter, err := listFilter(cmd)
	if err != nil {
		d.fatal("parsing filters", zap.Error(err))
	}

	it, err := d.store.List(ctx, filter)
	if err != nil {
		d.fatal("listing stored jobs", zap.Error(err))
	}
	records, err := store.Collect(it)
	if err != nil {
		d.fatal("listing stored jobs", zap.Error(err))
	}

	runID, _ := cmd.Flags().GetString("run-id")
	scores, err := runScores(ctx, d.store, runID)
	if err != nil {
		d.fatal("loading scores", zap.String("run_id", runID), zap.Error(err))
	}
	if len(scores) > 0 && format != export.FormatJSON {
		d.logger.Warn("scores are only embedded into json exports", zap.String("format", string(format)))
	}

	write := func(w io.Writer) error {
		return export.Write(w, format, records, scores)
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" || output == "-" {
		buf := bufio.NewWriter(os.Stdout)
		if err := write(buf); err != nil {
			d.fatal("exporting", zap.Error(err))
		}
		if err := buf.Flush(); err != nil {
			d.fatal("exporting", zap.Error(err))
		}
	} else if err := export.WriteFileAtomic(output, write); err != nil {
		d.fatal("exporting", zap.String("output", output), zap.Error(err))
	}

	d.logger.Info("export finished",
		zap.String("format", string(format)),
		zap.String("output", output),
		zap.Int("records", len(records)),
		zap.Int("scores", len(scores)),
	)
}

func exportFormat(cmd *cobra.Command) (export.Format, error) {
	raw, _ := cmd.Flags().GetString("format")
	if raw != "" {
		return export.ParseFormat(raw)
	}

	output, _ := cmd.Flags().GetString("output")
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(output)), "."); ext != "" {
		if f, err := export.ParseFormat(ext); err == nil {
			return f, nil
		}
	}

	if !interactive() {
		return export.FormatJSON, nil
	}

	items := make([]string, len(export.Formats))
	for i, f := range export.Formats {
		items[i] = string(f)
	}
	formatPrompt := promptui.Select{
		Label: "Export format",
		Items: items,
	}
	_, selected, err := formatPrompt.Run()
	if err != nil {
		return "", err
	}
	return export.ParseFormat(selected)
}

func runScores(ctx context.Context, st store.Store, runID string) (map[string]jobs.ScoreResult, error) {
	if runID == "" {
		return nil, nil
	}
	if runID == latestRun {
		latest, err := st.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, errors.New("no scoring runs stored yet")
		}
		runID = latest
	}

	results, err := st.Scores(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("run %s has no scores", runID)
	}

	scores := make(map[string]jobs.ScoreResult, len(results))
	for _, r := range results {
		scores[r.JobID] = r
	}
	return scores, nil
}
