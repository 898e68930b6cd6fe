package jobs

import (
	"fmt"
	"time"
)

const (
	MinScore = 0
	MaxScore = 100
)

type ScoreResult struct {
	JobID           string    `json:"job_id"`
	RunID           string    `json:"run_id"`
	Score           int       `json:"score"`
	Rationale       string    `json:"rationale"`
	MatchedKeywords []string  `json:"matched_keywords"`
	ScoredAt        time.Time `json:"scored_at"`
}

type ScoreErrorKind string

const (
	ScoreTimeout         ScoreErrorKind = "Timeout"
	ScoreQuotaExceeded   ScoreErrorKind = "QuotaExceeded"
	ScoreInvalidResponse ScoreErrorKind = "InvalidResponse"
)

// ScoreError is the per-job failure of a scoring run. It never aborts the batch.
type ScoreError struct {
	Kind    ScoreErrorKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

func (e *ScoreError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ScoreOutcome carries exactly one of Result or Err for the job at the same
// position in the scored batch.
type ScoreOutcome struct {
	JobID  string
	Result *ScoreResult
	Err    *ScoreError
}

func (o ScoreOutcome) OK() bool {
	return o.Err == nil && o.Result != nil
}

// ClampScore bounds raw to [MinScore, MaxScore] and reports whether it had to.
func ClampScore(raw int) (int, bool) {
	switch {
	case raw < MinScore:
		return MinScore, true
	case raw > MaxScore:
		return MaxScore, true
	default:
		return raw, false
	}
}

// StageCount is the per-stage tally reported by every run.
type StageCount struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (c *StageCount) Add(other StageCount) {
	c.Attempted += other.Attempted
	c.Succeeded += other.Succeeded
	c.Failed += other.Failed
}
