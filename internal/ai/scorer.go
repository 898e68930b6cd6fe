package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

var (
	// ErrQuotaExceeded is wrapped by scorers when the model provider rejects a
	// call for quota or rate reasons.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInvalidResponse is wrapped by scorers when the model answer cannot be
	// parsed or does not follow the expected shape.
	ErrInvalidResponse = errors.New("invalid model response")
)

// Scorer rates one job against a profile. Implementations return the raw model
// score; clamping and per-item error classification happen in ScoreBatch.
type Scorer interface {
	Score(ctx context.Context, job jobs.Record, profile jobs.ProfileSummary, prompt *PromptConfig) (jobs.ScoreResult, error)
	// Enabled is false for scorers whose results are placeholders and must not be stored.
	Enabled() bool
}

// NopScorer is used when ai.enabled is false.
type NopScorer struct{}

func NewNopScorer() *NopScorer {
	return &NopScorer{}
}

func (NopScorer) Score(_ context.Context, job jobs.Record, _ jobs.ProfileSummary, _ *PromptConfig) (jobs.ScoreResult, error) {
	return jobs.ScoreResult{
		JobID:           job.ID,
		Score:           0,
		Rationale:       "scoring disabled",
		MatchedKeywords: []string{},
	}, nil
}

func (NopScorer) Enabled() bool { return false }

// classify maps a scorer failure onto one of the per-item error kinds.
func classify(err error) *jobs.ScoreError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &jobs.ScoreError{Kind: jobs.ScoreTimeout, Message: err.Error()}
	case errors.Is(err, ErrQuotaExceeded):
		return &jobs.ScoreError{Kind: jobs.ScoreQuotaExceeded, Message: err.Error()}
	default:
		return &jobs.ScoreError{Kind: jobs.ScoreInvalidResponse, Message: err.Error()}
	}
}

// clamp bounds the score and notes the adjustment in the rationale.
func clamp(result jobs.ScoreResult) jobs.ScoreResult {
	score, clamped := jobs.ClampScore(result.Score)
	if clamped {
		note := fmt.Sprintf("(score %d clamped to %d)", result.Score, score)
		if result.Rationale == "" {
			result.Rationale = note
		} else {
			result.Rationale = result.Rationale + " " + note
		}
		result.Score = score
	}
	if result.MatchedKeywords == nil {
		result.MatchedKeywords = []string{}
	}
	return result
}
