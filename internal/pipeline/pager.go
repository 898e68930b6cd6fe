package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/retry"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

// Searcher fetches a single page of a search. *upwork.Client implements it.
type Searcher interface {
	SearchPage(ctx context.Context, filter upwork.SearchFilter, cursor string) (*upwork.Page, error)
}

// RetryConfig holds the per-class retry budgets for page requests.
type RetryConfig struct {
	RateLimitBase     time.Duration `mapstructure:"rate-limit-base"`
	RateLimitCap      time.Duration `mapstructure:"rate-limit-cap"`
	RateLimitAttempts int           `mapstructure:"rate-limit-attempts"`
	TransportDelay    time.Duration `mapstructure:"transport-delay"`
	TransportAttempts int           `mapstructure:"transport-attempts"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RateLimitBase:     time.Second,
		RateLimitCap:      30 * time.Second,
		RateLimitAttempts: 5,
		TransportDelay:    500 * time.Millisecond,
		// The first request plus three retries.
		TransportAttempts: 4,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.RateLimitBase <= 0 {
		c.RateLimitBase = def.RateLimitBase
	}
	if c.RateLimitCap <= 0 {
		c.RateLimitCap = def.RateLimitCap
	}
	if c.RateLimitAttempts <= 0 {
		c.RateLimitAttempts = def.RateLimitAttempts
	}
	if c.TransportDelay <= 0 {
		c.TransportDelay = def.TransportDelay
	}
	if c.TransportAttempts <= 0 {
		c.TransportAttempts = def.TransportAttempts
	}
	return c
}

// classifier retries rate limits with exponential backoff (honouring
// Retry-After) and transport failures with a fixed delay. Auth and malformed
// responses are terminal.
func (c RetryConfig) classifier() retry.Classifier {
	rateLimit := &retry.Policy{
		Name:        "rate_limit",
		BaseDelay:   c.RateLimitBase,
		MaxDelay:    c.RateLimitCap,
		Exponential: true,
		MaxAttempts: c.RateLimitAttempts,
	}
	transport := &retry.Policy{
		Name:        "transport",
		BaseDelay:   c.TransportDelay,
		MaxAttempts: c.TransportAttempts,
	}

	return func(err error) (*retry.Policy, time.Duration) {
		var rl *upwork.RateLimitError
		switch {
		case errors.As(err, &rl):
			return rateLimit, rl.RetryAfter
		case upwork.IsTransport(err):
			return transport, 0
		default:
			return nil, 0
		}
	}
}

// Pager walks the pages of one search. It only advances its cursor after a
// page was delivered, so Cursor always names the next page to request and a
// new Pager started from it resumes the search.
type Pager struct {
	searcher Searcher
	filter   upwork.SearchFilter
	machine  *retry.Machine
	logger   *zap.Logger

	cursor string
	page   int
	done   bool
}

func NewPager(searcher Searcher, filter upwork.SearchFilter, cfg RetryConfig, logger *zap.Logger, opts ...retry.Option) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("search", filter.Label()))

	cfg = cfg.withDefaults()
	opts = append([]retry.Option{retry.WithTransitionHook(func(t retry.Transition) {
		if t.To == retry.Backoff {
			logger.Info("page request will be retried",
				zap.Int("attempt", t.Attempt),
				zap.Duration("delay", t.Delay),
				zap.Error(t.Err),
			)
		}
	})}, opts...)

	return &Pager{
		searcher: searcher,
		filter:   filter,
		machine:  retry.New(cfg.classifier(), logger, opts...),
		logger:   logger,
		cursor:   filter.Cursor,
	}
}

// Cursor is the cursor of the next page. Empty means the first page.
func (p *Pager) Cursor() string { return p.cursor }

// Done reports whether the last page has been delivered.
func (p *Pager) Done() bool { return p.done }

// Pages counts delivered pages.
func (p *Pager) Pages() int { return p.page }

// Next requests the page at Cursor, retrying per the retry policies. On error
// the cursor is left where it was.
func (p *Pager) Next(ctx context.Context) (*upwork.Page, error) {
	if p.done {
		return nil, errors.New("search already exhausted")
	}

	var page *upwork.Page
	res := p.machine.Run(ctx, func(ctx context.Context) error {
		var err error
		page, err = p.searcher.SearchPage(ctx, p.filter, p.cursor)
		return err
	})
	if res.Err != nil {
		return nil, fmt.Errorf("search %q page %d at cursor %q after %d attempt(s): %w",
			p.filter.Label(), p.page+1, p.cursor, res.Attempts, res.Err)
	}

	p.page++
	p.logger.Debug("page fetched",
		zap.Int("page", p.page),
		zap.String("cursor", p.cursor),
		zap.Int("records", len(page.Records)),
		zap.Int("total", page.TotalCount),
		zap.Int("attempts", res.Attempts),
	)

	if page.NextCursor == nil {
		p.done = true
		p.cursor = ""
	} else {
		p.cursor = *page.NextCursor
	}

	return page, nil
}
