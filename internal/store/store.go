// Package store persists raw and normalized job records keyed by job id, plus
// scoring results keyed by (job id, run id).
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

var ErrNotFound = errors.New("job not found")

type Store interface {
	// Upsert writes raw and its normalized form as one unit. Concurrent calls
	// for the same id are serialized; the last one wins for every field.
	Upsert(ctx context.Context, raw jobs.RawRecord, rec jobs.Record) error
	Get(ctx context.Context, id string) (jobs.Record, error)
	Raw(ctx context.Context, id string) (jobs.RawRecord, error)
	// List returns a finite iterator ordered by id. Calling List again starts over.
	List(ctx context.Context, filter ListFilter) (Iterator, error)
	Count(ctx context.Context) (int, error)

	SaveScores(ctx context.Context, runID string, results []jobs.ScoreResult) error
	Scores(ctx context.Context, runID string) ([]jobs.ScoreResult, error)
	// LatestRun returns the most recent scoring run id, or "" if there is none.
	LatestRun(ctx context.Context) (string, error)

	Close() error
}

type Iterator interface {
	Next() bool
	Record() jobs.Record
	Err() error
	Close() error
}

// ListFilter narrows List. Zero values disable a criterion. Records with an
// unknown budget or posting date never match a budget or date criterion.
type ListFilter struct {
	// Category matches the category or the subcategory label, case-insensitively.
	Category   string
	BudgetMin  *float64
	BudgetMax  *float64
	PostedFrom time.Time
	PostedTo   time.Time
}

func (f ListFilter) Match(rec jobs.Record) bool {
	if f.Category != "" &&
		!strings.EqualFold(rec.Category, f.Category) &&
		!strings.EqualFold(rec.Subcategory, f.Category) {
		return false
	}

	if f.BudgetMin != nil || f.BudgetMax != nil {
		low, high := rec.BudgetLow, rec.BudgetHigh
		if low == nil {
			low = high
		}
		if high == nil {
			high = low
		}
		if low == nil {
			return false
		}
		if f.BudgetMin != nil && *high < *f.BudgetMin {
			return false
		}
		if f.BudgetMax != nil && *low > *f.BudgetMax {
			return false
		}
	}

	if !f.PostedFrom.IsZero() || !f.PostedTo.IsZero() {
		if rec.PostedAt.IsZero() {
			return false
		}
		if !f.PostedFrom.IsZero() && rec.PostedAt.Before(f.PostedFrom) {
			return false
		}
		if !f.PostedTo.IsZero() && rec.PostedAt.After(f.PostedTo) {
			return false
		}
	}

	return true
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]jobs.Record, error) {
	defer it.Close()

	var out []jobs.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}

type sliceIterator struct {
	records []jobs.Record
	pos     int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.records) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Record() jobs.Record { return it.records[it.pos-1] }
func (it *sliceIterator) Err() error          { return nil }
func (it *sliceIterator) Close() error        { return nil }
