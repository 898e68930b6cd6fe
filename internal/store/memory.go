package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

type entry struct {
	raw jobs.RawRecord
	rec jobs.Record
}

// MemoryStore keeps everything in process memory. Used by tests and dry runs.
type MemoryStore struct {
	keys *keyLock

	mu     sync.RWMutex
	jobs   map[string]entry
	scores map[string][]jobs.ScoreResult
	runs   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   newKeyLock(),
		jobs:   make(map[string]entry),
		scores: make(map[string][]jobs.ScoreResult),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, raw jobs.RawRecord, rec jobs.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.keys.Lock(rec.ID)
	defer unlock()

	rec.Skills = slices.Clone(rec.Skills)
	raw.Payload = maps.Clone(raw.Payload)

	s.mu.Lock()
	s.jobs[rec.ID] = entry{raw: raw, rec: rec}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (jobs.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return jobs.Record{}, ErrNotFound
	}
	rec := e.rec
	rec.Skills = slices.Clone(rec.Skills)
	return rec, nil
}

func (s *MemoryStore) Raw(_ context.Context, id string) (jobs.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return jobs.RawRecord{}, ErrNotFound
	}
	return e.raw, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) (Iterator, error) {
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.jobs))
	records := make([]jobs.Record, 0, len(ids))
	for _, id := range ids {
		rec := s.jobs[id].rec
		if filter.Match(rec) {
			rec.Skills = slices.Clone(rec.Skills)
			records = append(records, rec)
		}
	}
	s.mu.RUnlock()

	return &sliceIterator{records: records}, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs), nil
}

func (s *MemoryStore) SaveScores(_ context.Context, runID string, results []jobs.ScoreResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scores[runID]; !ok {
		s.runs = append(s.runs, runID)
	}
	for _, r := range results {
		r.RunID = runID
		r.MatchedKeywords = slices.Clone(r.MatchedKeywords)

		run := s.scores[runID]
		i := slices.IndexFunc(run, func(existing jobs.ScoreResult) bool { return existing.JobID == r.JobID })
		if i >= 0 {
			run[i] = r
		} else {
			run = append(run, r)
		}
		s.scores[runID] = run
	}
	return nil
}

func (s *MemoryStore) Scores(_ context.Context, runID string) ([]jobs.ScoreResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.scores[runID])
	slices.SortFunc(out, func(a, b jobs.ScoreResult) int { return strings.Compare(a.JobID, b.JobID) })
	return out, nil
}

func (s *MemoryStore) LatestRun(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return "", nil
	}
	return s.runs[len(s.runs)-1], nil
}

func (s *MemoryStore) Close() error { return nil }
