package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/upwork-harvester/internal/ai"
	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/normalize"
	"github.com/spigell/upwork-harvester/internal/retry"
	"github.com/spigell/upwork-harvester/internal/store"
	"github.com/spigell/upwork-harvester/internal/taxonomy"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

type response struct {
	page *upwork.Page
	err  error
}

// fakeSearcher serves scripted responses per cursor; the last scripted
// response of a cursor repeats once the queue is drained.
type fakeSearcher struct {
	mu      sync.Mutex
	scripts map[string][]response
	calls   []string
}

func (f *fakeSearcher) SearchPage(_ context.Context, filter upwork.SearchFilter, cursor string) (*upwork.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := filter.Label() + "@" + cursor
	f.calls = append(f.calls, key)

	queue := f.scripts[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected request %s", key)
	}
	res := queue[0]
	if len(queue) > 1 {
		f.scripts[key] = queue[1:]
	}
	return res.page, res.err
}

func (f *fakeSearcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

type fakeWarmer struct {
	snap taxonomy.Snapshot
	err  error
}

func (w fakeWarmer) Categories(context.Context) (taxonomy.Snapshot, error) {
	return w.snap, w.err
}

func node(id string) jobs.RawRecord {
	return jobs.RawRecord{
		ID: id,
		Payload: map[string]any{
			"ciphertext":      id,
			"title":           "Job " + id,
			"createdDateTime": "2025-03-01T10:00:00Z",
			"job": map[string]any{"contractTerms": map[string]any{
				"contractType":            "FIXED_PRICE",
				"fixedPriceContractTerms": map[string]any{"amount": 100},
			}},
		},
		FetchedAt: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func page(next string, ids ...string) *upwork.Page {
	p := &upwork.Page{TotalCount: 99}
	for _, id := range ids {
		p.Records = append(p.Records, node(id))
	}
	if next != "" {
		p.NextCursor = &next
	}
	return p
}

// recordSleeps swaps real waiting for a log of requested delays.
func recordSleeps() (*[]time.Duration, retry.Option) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	return &delays, retry.WithSleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return nil
	})
}

func newTestPipeline(searcher Searcher, st store.Store, opts Options) *Pipeline {
	return New(searcher, nil, normalize.New(nil, ""), st, opts, zap.NewNop())
}

func storedIDs(t *testing.T, st store.Store) []string {
	t.Helper()
	it, err := st.List(context.Background(), store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := store.Collect(it)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func TestRunRetriesRateLimitedPage(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{
		"go@":   {{page: page("c1", "~01", "~02")}},
		"go@c1": {{err: &upwork.RateLimitError{RetryAfter: 2 * time.Second}}, {page: page("", "~02", "~03")}},
	}}
	st := store.NewMemoryStore()
	delays, sleepOpt := recordSleeps()

	p := newTestPipeline(searcher, st, Options{RetryOptions: []retry.Option{sleepOpt}})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go"}})

	if err := report.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary := report.Searches[0]
	if !summary.Complete || summary.LastCursor != "" || summary.Pages != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Fetch != (jobs.StageCount{Attempted: 2, Succeeded: 2}) {
		t.Fatalf("unexpected fetch counts: %+v", summary.Fetch)
	}
	if report.Upsert != (jobs.StageCount{Attempted: 4, Succeeded: 4}) {
		t.Fatalf("unexpected upsert counts: %+v", report.Upsert)
	}

	ids := storedIDs(t, st)
	if len(ids) != 3 || ids[0] != "~01" || ids[1] != "~02" || ids[2] != "~03" {
		t.Fatalf("expected every record exactly once, got %v", ids)
	}

	if searcher.callCount("go@c1") != 2 {
		t.Fatalf("expected page 2 to be requested twice, got %d", searcher.callCount("go@c1"))
	}
	if len(*delays) != 1 || (*delays)[0] != 2*time.Second {
		t.Fatalf("expected Retry-After to drive the backoff, got %v", *delays)
	}
}

func TestRunAuthErrorIsNotRetried(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{
		"go@": {{err: &upwork.AuthError{StatusCode: 401, Err: errors.New("expired")}}},
	}}
	_, sleepOpt := recordSleeps()

	p := newTestPipeline(searcher, store.NewMemoryStore(), Options{RetryOptions: []retry.Option{sleepOpt}})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go"}})

	if !upwork.IsAuth(report.Err()) {
		t.Fatalf("expected auth error, got %v", report.Err())
	}
	if searcher.callCount("go@") != 1 {
		t.Fatalf("auth failures must not be retried")
	}
}

func TestRunTransportExhaustionKeepsEarlierPages(t *testing.T) {
	transport := &upwork.TransportError{StatusCode: 502, Err: errors.New("bad gateway")}
	searcher := &fakeSearcher{scripts: map[string][]response{
		"go@":   {{page: page("c1", "~01")}},
		"go@c1": {{err: transport}},
	}}
	delays, sleepOpt := recordSleeps()

	st := store.NewMemoryStore()
	p := newTestPipeline(searcher, st, Options{RetryOptions: []retry.Option{sleepOpt}})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go"}})

	summary := report.Searches[0]
	if !upwork.IsTransport(summary.Err) {
		t.Fatalf("expected transport error, got %v", summary.Err)
	}
	if summary.Complete || summary.LastCursor != "c1" {
		t.Fatalf("expected resumable cursor c1, got %+v", summary)
	}
	if searcher.callCount("go@c1") != 4 {
		t.Fatalf("expected 4 attempts, got %d", searcher.callCount("go@c1"))
	}
	for _, d := range *delays {
		if d != 500*time.Millisecond {
			t.Fatalf("unexpected transport delay %v", d)
		}
	}
	if ids := storedIDs(t, st); len(ids) != 1 {
		t.Fatalf("records of page 1 must survive, got %v", ids)
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{
		"go@c1": {{page: page("", "~05")}},
	}}

	p := newTestPipeline(searcher, store.NewMemoryStore(), Options{})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go", Cursor: "c1"}})

	if err := report.Err(); err != nil || !report.Searches[0].Complete {
		t.Fatalf("unexpected report: %+v err=%v", report.Searches[0], err)
	}
	if searcher.callCount("go@") != 0 {
		t.Fatalf("first page must not be requested when resuming")
	}
}

func TestRunMalformedPageHaltsSearch(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{
		"go@":   {{page: page("c1", "~01")}},
		"go@c1": {{err: &upwork.MalformedResponseError{Err: errors.New("no data")}}},
	}}

	p := newTestPipeline(searcher, store.NewMemoryStore(), Options{})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go"}})

	summary := report.Searches[0]
	if summary.MalformedPages != 1 || summary.LastCursor != "c1" || summary.Complete {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Upsert.Succeeded != 1 {
		t.Fatalf("expected partial results to be kept: %+v", summary.Upsert)
	}
}

func TestRunCountsMalformedRecords(t *testing.T) {
	broken := jobs.RawRecord{ID: "~bad", Payload: map[string]any{"title": "no contract type"}}
	first := page("", "~01")
	first.Records = append(first.Records, broken)

	searcher := &fakeSearcher{scripts: map[string][]response{"go@": {{page: first}}}}

	p := newTestPipeline(searcher, store.NewMemoryStore(), Options{})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go"}})

	if report.Normalize != (jobs.StageCount{Attempted: 2, Succeeded: 1, Failed: 1}) {
		t.Fatalf("unexpected normalize counts: %+v", report.Normalize)
	}
	if report.Upsert != (jobs.StageCount{Attempted: 1, Succeeded: 1}) {
		t.Fatalf("unexpected upsert counts: %+v", report.Upsert)
	}
}

func TestRunIndependentSearchesAndTaxonomyWarmup(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{
		"a@": {{page: page("", "~01")}},
		"b@": {{err: &upwork.AuthError{StatusCode: 403, Err: errors.New("forbidden")}}},
		"c@": {{page: page("", "~03")}},
	}}
	warmer := fakeWarmer{
		snap: taxonomy.Snapshot{Stale: true},
		err:  &upwork.UpstreamError{Stale: true, Err: errors.New("down")},
	}

	core, observed := observer.New(zapcore.InfoLevel)
	p := New(searcher, warmer, normalize.New(nil, ""), store.NewMemoryStore(), Options{Concurrency: 2}, zap.New(core))
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "a"}, {Name: "b"}, {Name: "c"}})

	if !report.TaxonomyStale || report.TaxonomyError == "" {
		t.Fatalf("expected stale taxonomy to be reported: %+v", report)
	}
	if report.Searches[0].Search != "a" || report.Searches[1].Search != "b" || report.Searches[2].Search != "c" {
		t.Fatalf("summaries not in input order")
	}
	if report.Searches[1].Err == nil || report.Searches[0].Err != nil || report.Searches[2].Err != nil {
		t.Fatalf("one failing search must not affect the others")
	}
	if report.Upsert.Succeeded != 2 {
		t.Fatalf("unexpected upsert counts: %+v", report.Upsert)
	}

	finished := observed.FilterMessage("run finished").All()
	if len(finished) != 1 {
		t.Fatalf("expected run summary log")
	}
	if _, ok := finished[0].ContextMap()["upsert"]; !ok {
		t.Fatalf("expected stage counts in run summary log")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{"go@": {{page: page("c1", "~01")}}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(searcher, store.NewMemoryStore(), Options{})
	report := p.Run(ctx, []upwork.SearchFilter{{Name: "go"}})

	if !errors.Is(report.Err(), context.Canceled) {
		t.Fatalf("expected cancellation, got %v", report.Err())
	}
	if len(searcher.calls) != 0 {
		t.Fatalf("no page may be requested after cancellation")
	}
}

func TestRunMaxPages(t *testing.T) {
	searcher := &fakeSearcher{scripts: map[string][]response{
		"go@": {{page: page("c1", "~01")}},
	}}

	p := newTestPipeline(searcher, store.NewMemoryStore(), Options{MaxPages: 1})
	report := p.Run(context.Background(), []upwork.SearchFilter{{Name: "go"}})

	summary := report.Searches[0]
	if summary.Err != nil || summary.Complete || summary.LastCursor != "c1" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

type constScorer struct {
	score   int
	fail    map[string]error
	enabled bool
}

func (s constScorer) Score(_ context.Context, job jobs.Record, _ jobs.ProfileSummary, _ *ai.PromptConfig) (jobs.ScoreResult, error) {
	if err := s.fail[job.ID]; err != nil {
		return jobs.ScoreResult{}, err
	}
	return jobs.ScoreResult{Score: s.score, Rationale: "ok"}, nil
}

func (s constScorer) Enabled() bool { return s.enabled }

func seed(t *testing.T, st store.Store, ids ...string) {
	t.Helper()
	n := normalize.New(nil, "")
	for _, id := range ids {
		raw := node(id)
		rec, err := n.Normalize(raw)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Upsert(context.Background(), raw, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestScorePersistsRun(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "~01", "~02", "~03")

	original := newRunID
	newRunID = func() string { return "run-1" }
	t.Cleanup(func() { newRunID = original })

	scorer := constScorer{score: 70, enabled: true, fail: map[string]error{"~02": ai.ErrQuotaExceeded}}
	p := newTestPipeline(nil, st, Options{})

	report, err := p.Score(context.Background(), scorer, jobs.ProfileSummary{}, nil, store.ListFilter{}, ai.BatchOptions{FanOut: 2})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if report.RunID != "run-1" {
		t.Fatalf("unexpected run id %q", report.RunID)
	}
	if report.Score != (jobs.StageCount{Attempted: 3, Succeeded: 2, Failed: 1}) {
		t.Fatalf("unexpected score counts: %+v", report.Score)
	}
	if report.Failures[jobs.ScoreQuotaExceeded] != 1 {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}

	saved, err := st.Scores(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 || saved[0].JobID != "~01" || saved[1].JobID != "~03" || saved[0].RunID != "run-1" {
		t.Fatalf("unexpected saved scores: %+v", saved)
	}
}

func TestScoreDisabledPersistsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "~01")

	p := newTestPipeline(nil, st, Options{})
	report, err := p.Score(context.Background(), ai.NewNopScorer(), jobs.ProfileSummary{}, nil, store.ListFilter{}, ai.BatchOptions{})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if report.RunID != "" || report.Persist.Attempted != 0 {
		t.Fatalf("nop runs must not be persisted: %+v", report)
	}
	if report.Score.Succeeded != 1 || report.Outcomes[0].Result.Rationale != "scoring disabled" {
		t.Fatalf("unexpected outcome: %+v", report.Outcomes[0])
	}
	if run, err := st.LatestRun(context.Background()); err == nil && run != "" {
		t.Fatalf("unexpected run %q", run)
	}
}
