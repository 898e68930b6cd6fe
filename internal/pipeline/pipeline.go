// Package pipeline runs searches through normalization into the store and
// scores what was stored.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/logger"
	"github.com/spigell/upwork-harvester/internal/retry"
	"github.com/spigell/upwork-harvester/internal/store"
	"github.com/spigell/upwork-harvester/internal/taxonomy"
	"github.com/spigell/upwork-harvester/internal/upwork"
	"github.com/spigell/upwork-harvester/internal/utils"
)

const (
	DefaultConcurrency = 2
	DefaultWorkers     = 8
)

type Normalizer interface {
	Normalize(raw jobs.RawRecord) (jobs.Record, error)
}

// TaxonomyWarmer loads the taxonomy before a run so the normalizer can resolve
// ids. *taxonomy.Cache implements it.
type TaxonomyWarmer interface {
	Categories(ctx context.Context) (taxonomy.Snapshot, error)
}

type Options struct {
	// Concurrency bounds independent searches running at once.
	Concurrency int
	// Workers bounds concurrent normalize+upsert calls within a page.
	Workers int
	// MaxPages stops a search after that many pages. Zero means no limit.
	MaxPages int
	Retry    RetryConfig
	Clock    utils.Clock
	// RetryOptions are passed to every pager's retry machine.
	RetryOptions []retry.Option
}

type Pipeline struct {
	searcher   Searcher
	taxonomy   TaxonomyWarmer
	normalizer Normalizer
	store      store.Store
	opts       Options
	logger     *zap.Logger
}

func New(searcher Searcher, warmer TaxonomyWarmer, normalizer Normalizer, st store.Store, opts Options, log *zap.Logger) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		searcher:   searcher,
		taxonomy:   warmer,
		normalizer: normalizer,
		store:      st,
		opts:       opts,
		logger:     log,
	}
}

// SearchSummary is the outcome of one filter. Fetch counts pages; Normalize
// and Upsert count records.
type SearchSummary struct {
	Search         string          `json:"search"`
	Pages          int             `json:"pages"`
	TotalCount     int             `json:"total_count"`
	Fetch          jobs.StageCount `json:"fetch"`
	Normalize      jobs.StageCount `json:"normalize"`
	Upsert         jobs.StageCount `json:"upsert"`
	MalformedPages int             `json:"malformed_pages"`
	// Complete is set once the last page was processed.
	Complete bool `json:"complete"`
	// LastCursor resumes the search where it stopped. Empty when complete.
	LastCursor string `json:"last_cursor,omitempty"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}

// RunReport aggregates every search of a run.
type RunReport struct {
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Searches      []SearchSummary `json:"searches"`
	Fetch         jobs.StageCount `json:"fetch"`
	Normalize     jobs.StageCount `json:"normalize"`
	Upsert        jobs.StageCount `json:"upsert"`
	TaxonomyStale bool            `json:"taxonomy_stale"`
	TaxonomyError string          `json:"taxonomy_error,omitempty"`
}

// Err joins the errors of every search that stopped early.
func (r RunReport) Err() error {
	var errs []error
	for _, s := range r.Searches {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// Run executes every filter, at most Options.Concurrency at a time, and
// returns a summary per filter in input order. A failing search never stops
// the others. Records stored before a failure or cancellation are kept.
func (p *Pipeline) Run(ctx context.Context, filters []upwork.SearchFilter) RunReport {
	report := RunReport{StartedAt: p.opts.Clock.Now()}

	if p.taxonomy != nil {
		snap, err := p.taxonomy.Categories(ctx)
		if err != nil {
			report.TaxonomyError = err.Error()
			p.logger.Warn("taxonomy unavailable, raw labels will be used", zap.Error(err))
		}
		report.TaxonomyStale = snap.Stale
	}

	report.Searches = make([]SearchSummary, len(filters))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, filter := range filters {
		g.Go(func() error {
			report.Searches[i] = p.search(ctx, filter)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range report.Searches {
		report.Fetch.Add(s.Fetch)
		report.Normalize.Add(s.Normalize)
		report.Upsert.Add(s.Upsert)
	}
	report.FinishedAt = p.opts.Clock.Now()

	p.logger.Info("run finished",
		zap.Int("searches", len(filters)),
		logger.StageField("fetch", report.Fetch),
		logger.StageField("normalize", report.Normalize),
		logger.StageField("upsert", report.Upsert),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	return report
}

func (p *Pipeline) search(ctx context.Context, filter upwork.SearchFilter) SearchSummary {
	log := p.logger.With(zap.String("search", filter.Label()))
	pager := NewPager(p.searcher, filter, p.opts.Retry, p.logger, p.opts.RetryOptions...)
	summary := SearchSummary{Search: filter.Label()}

	for !pager.Done() {
		if p.opts.MaxPages > 0 && pager.Pages() >= p.opts.MaxPages {
			log.Info("page limit reached", zap.Int("pages", pager.Pages()))
			break
		}
		if err := ctx.Err(); err != nil {
			summary.Err = err
			break
		}

		summary.Fetch.Attempted++
		page, err := pager.Next(ctx)
		if err != nil {
			summary.Fetch.Failed++
			summary.Err = err
			if upwork.IsMalformed(err) {
				// The next cursor is unknown, so the search cannot move past this page.
				summary.MalformedPages++
			}
			log.Error("search stopped", zap.String("cursor", pager.Cursor()), zap.Error(err))
			break
		}
		summary.Fetch.Succeeded++
		summary.TotalCount = page.TotalCount

		normalized, upserted := p.storePage(ctx, page.Records, log)
		summary.Normalize.Add(normalized)
		summary.Upsert.Add(upserted)
	}

	summary.Pages = pager.Pages()
	summary.Complete = pager.Done()
	summary.LastCursor = pager.Cursor()
	if summary.Err != nil {
		summary.Error = summary.Err.Error()
	}

	log.Info("search finished",
		zap.Int("pages", summary.Pages),
		zap.Bool("complete", summary.Complete),
		zap.String("cursor", summary.LastCursor),
		logger.StageField("normalize", summary.Normalize),
		logger.StageField("upsert", summary.Upsert),
	)

	return summary
}

// storePage normalizes and upserts one page with bounded concurrency and waits
// for all of it before the caller asks for the next page.
func (p *Pipeline) storePage(ctx context.Context, records []jobs.RawRecord, log *zap.Logger) (normalized, upserted jobs.StageCount) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.opts.Workers)

	for _, raw := range records {
		g.Go(func() error {
			rec, err := p.normalizer.Normalize(raw)
			if err != nil {
				log.Warn("record skipped", zap.String("job_id", raw.ID), zap.Error(err))
				mu.Lock()
				normalized.Attempted++
				normalized.Failed++
				mu.Unlock()
				return nil
			}

			err = p.store.Upsert(ctx, raw, rec)
			if err != nil {
				log.Error("upsert failed", zap.String("job_id", rec.ID), zap.Error(err))
			}

			mu.Lock()
			defer mu.Unlock()
			normalized.Attempted++
			normalized.Succeeded++
			upserted.Attempted++
			if err != nil {
				upserted.Failed++
			} else {
				upserted.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	return normalized, upserted
}
