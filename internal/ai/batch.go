package ai

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/utils"
)

const DefaultFanOut = 4

type BatchOptions struct {
	// FanOut bounds concurrent scorer calls.
	FanOut int
	// BatchTimeout bounds the whole batch. Zero means no limit.
	BatchTimeout time.Duration
	// ItemTimeout bounds every single call. Zero means no limit.
	ItemTimeout time.Duration
	Clock       utils.Clock
	Logger      *zap.Logger
}

// ScoreBatch scores records concurrently and returns one outcome per record in
// input order. A failing item never affects the others. When the batch deadline
// fires or ctx is cancelled, every item without a result is reported as Timeout.
func ScoreBatch(ctx context.Context, scorer Scorer, records []jobs.Record, profile jobs.ProfileSummary, prompt *PromptConfig, opts BatchOptions) []jobs.ScoreOutcome {
	fanOut := opts.FanOut
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	clock := opts.Clock
	if clock == nil {
		clock = utils.SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	batchCtx := ctx
	if opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, opts.BatchTimeout)
		defer cancel()
	}

	outcomes := make([]jobs.ScoreOutcome, len(records))
	for i, rec := range records {
		outcomes[i].JobID = rec.ID
	}

	sem := semaphore.NewWeighted(int64(fanOut))
	var wg sync.WaitGroup

	for i, rec := range records {
		err := batchCtx.Err()
		if err == nil {
			err = sem.Acquire(batchCtx, 1)
		}
		if err != nil {
			for j := i; j < len(records); j++ {
				outcomes[j].Err = &jobs.ScoreError{Kind: jobs.ScoreTimeout, Message: "not started: " + err.Error()}
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcomes[i] = scoreOne(batchCtx, scorer, rec, profile, prompt, opts.ItemTimeout, clock)

			if err := outcomes[i].Err; err != nil {
				logger.Warn("scoring failed",
					zap.String("job_id", rec.ID),
					zap.String("kind", string(err.Kind)),
					zap.String("reason", err.Message),
				)
			}
		}()
	}

	wg.Wait()
	return outcomes
}

type scored struct {
	result jobs.ScoreResult
	err    error
}

// scoreOne waits for the scorer or the deadline, whichever comes first. A
// scorer that ignores its context is abandoned rather than waited for.
func scoreOne(ctx context.Context, scorer Scorer, rec jobs.Record, profile jobs.ProfileSummary, prompt *PromptConfig, timeout time.Duration, clock utils.Clock) jobs.ScoreOutcome {
	outcome := jobs.ScoreOutcome{JobID: rec.ID}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan scored, 1)
	go func() {
		res, err := scorer.Score(ctx, rec, profile, prompt)
		done <- scored{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		outcome.Err = &jobs.ScoreError{Kind: jobs.ScoreTimeout, Message: ctx.Err().Error()}
	case s := <-done:
		if s.err != nil {
			outcome.Err = classify(s.err)
			break
		}
		res := clamp(s.result)
		res.JobID = rec.ID
		if res.ScoredAt.IsZero() {
			res.ScoredAt = clock.Now()
		}
		outcome.Result = &res
	}

	return outcome
}
