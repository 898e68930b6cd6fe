package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/ai"
	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/logger"
	"github.com/spigell/upwork-harvester/internal/store"
)

var newRunID = uuid.NewString

// ScoreReport is the outcome of one scoring run.
type ScoreReport struct {
	// RunID is empty when the scorer is disabled and nothing was persisted.
	RunID    string                      `json:"run_id,omitempty"`
	Outcomes []jobs.ScoreOutcome         `json:"-"`
	Score    jobs.StageCount             `json:"score"`
	Persist  jobs.StageCount             `json:"persist"`
	Failures map[jobs.ScoreErrorKind]int `json:"failures,omitempty"`
}

// Score rates the stored records matching filter. Successful results of an
// enabled scorer are saved under a fresh run id; earlier runs are kept.
func (p *Pipeline) Score(ctx context.Context, scorer ai.Scorer, profile jobs.ProfileSummary, prompt *ai.PromptConfig, filter store.ListFilter, opts ai.BatchOptions) (*ScoreReport, error) {
	it, err := p.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list stored jobs: %w", err)
	}
	records, err := store.Collect(it)
	if err != nil {
		return nil, fmt.Errorf("list stored jobs: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = p.logger
	}
	if opts.Clock == nil {
		opts.Clock = p.opts.Clock
	}

	report := &ScoreReport{
		Outcomes: ai.ScoreBatch(ctx, scorer, records, profile, prompt, opts),
		Failures: make(map[jobs.ScoreErrorKind]int),
	}

	var results []jobs.ScoreResult
	for _, o := range report.Outcomes {
		report.Score.Attempted++
		if !o.OK() {
			report.Score.Failed++
			report.Failures[o.Err.Kind]++
			continue
		}
		report.Score.Succeeded++
		results = append(results, *o.Result)
	}

	if scorer.Enabled() && len(results) > 0 {
		report.RunID = newRunID()
		for i := range results {
			results[i].RunID = report.RunID
		}

		report.Persist.Attempted = len(results)
		if err := p.store.SaveScores(ctx, report.RunID, results); err != nil {
			report.Persist.Failed = len(results)
			return report, fmt.Errorf("save scores of run %s: %w", report.RunID, err)
		}
		report.Persist.Succeeded = len(results)
	}

	p.logger.Info("scoring finished",
		zap.String("run_id", report.RunID),
		zap.Bool("enabled", scorer.Enabled()),
		logger.StageField("score", report.Score),
		logger.StageField("persist", report.Persist),
	)

	return report, nil
}
