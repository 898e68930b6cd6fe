// Package taxonomy keeps the marketplace category tree in memory. The whole set
// is replaced atomically on refresh and served stale when the upstream fails.
package taxonomy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/upwork"
	"github.com/spigell/upwork-harvester/internal/utils"
)

const DefaultTTL = 24 * time.Hour

// Source loads the full taxonomy from upstream.
type Source interface {
	Categories(ctx context.Context, ids ...string) ([]jobs.TaxonomyEntry, error)
}

// Snapshot is an immutable view of the cached taxonomy.
type Snapshot struct {
	Entries   []jobs.TaxonomyEntry
	FetchedAt time.Time
	// Stale is set when the last refresh failed and older data is served.
	Stale bool

	index map[string]jobs.TaxonomyEntry
}

// Lookup finds an entry by category or subcategory id.
func (s Snapshot) Lookup(id string) (jobs.TaxonomyEntry, bool) {
	entry, ok := s.index[id]
	return entry, ok
}

type Cache struct {
	source Source
	ttl    time.Duration
	clock  utils.Clock
	logger *zap.Logger

	// refreshMu serializes upstream loads, mu guards the current snapshot.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	current   *Snapshot
	checkedAt time.Time
}

func New(source Source, ttl time.Duration, clock utils.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}
}

// Categories returns the cached taxonomy, loading it on first use and reloading
// it once the TTL has passed. If a reload fails but older data exists, that data
// is returned with Stale set and no error.
func (c *Cache) Categories(ctx context.Context) (Snapshot, error) {
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have reloaded while this one waited.
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}

	err := c.load(ctx)
	snap, ok := c.snapshot()
	if !ok {
		return Snapshot{}, err
	}
	return snap, nil
}

// Refresh replaces the cached set with a fresh copy from upstream. On failure
// the previous set is kept, flagged stale, and an *upwork.UpstreamError is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	return c.load(ctx)
}

// load fetches the taxonomy and swaps it in. The caller holds refreshMu.
func (c *Cache) load(ctx context.Context) error {
	entries, err := c.source.Categories(ctx)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkedAt = now

	if err != nil {
		stale := c.current != nil
		if stale && !c.current.Stale {
			next := *c.current
			next.Stale = true
			c.current = &next
		}
		c.logger.Warn("taxonomy refresh failed", zap.Bool("stale", stale), zap.Error(err))
		return &upwork.UpstreamError{Stale: stale, Err: err}
	}

	index := make(map[string]jobs.TaxonomyEntry, len(entries))
	for _, e := range entries {
		index[e.ID] = e
	}
	c.current = &Snapshot{
		Entries:   entries,
		FetchedAt: now,
		index:     index,
	}

	c.logger.Debug("taxonomy refreshed", zap.Int("entries", len(entries)))
	return nil
}

// Lookup resolves an id against the current snapshot without touching upstream.
func (c *Cache) Lookup(id string) (jobs.TaxonomyEntry, bool) {
	snap, ok := c.snapshot()
	if !ok {
		return jobs.TaxonomyEntry{}, false
	}
	return snap.Lookup(id)
}

func (c *Cache) fresh() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil || c.clock.Now().Sub(c.checkedAt) >= c.ttl {
		return Snapshot{}, false
	}
	return *c.current, true
}

func (c *Cache) snapshot() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return Snapshot{}, false
	}
	return *c.current, true
}
