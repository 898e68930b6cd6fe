package cmd

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/store"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

func newFetchFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "fetch"}
	c.Flags().String("search-term", "", "")
	c.Flags().String("cursor", "", "")
	if err := c.Flags().Parse(args); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSearchFilters(t *testing.T) {
	config := &Config{Searches: []upwork.SearchFilter{
		{Name: "go", SearchTerm: "golang", JobType: "HOURLY"},
		{Name: "rust", SearchTerm: "rust"},
	}}

	filters, err := searchFilters(newFetchFlags(t), config)
	if err != nil || len(filters) != 2 {
		t.Fatalf("expected configured searches, got %v %v", filters, err)
	}

	filters, err = searchFilters(newFetchFlags(t, "--search-term", "kubernetes", "--cursor", "c9"), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(filters) != 1 || filters[0].SearchTerm != "kubernetes" || filters[0].Cursor != "c9" || filters[0].JobType != "HOURLY" {
		t.Fatalf("unexpected ad-hoc search: %+v", filters)
	}
	if config.Searches[0].Cursor != "" {
		t.Fatalf("configured searches must not be modified")
	}

	if _, err := searchFilters(newFetchFlags(t, "--cursor", "c9"), config); err == nil {
		t.Fatalf("--cursor with several searches must fail")
	}
	if _, err := searchFilters(newFetchFlags(t), &Config{}); err == nil {
		t.Fatalf("expected error without searches")
	}
}

func TestRedacted(t *testing.T) {
	config := Config{
		Token: "secret-token",
		AI:    &AIConfig{Gemini: &GeminiConfig{APIKey: "secret-key", Model: "m"}},
	}

	r := redacted(config)
	if r.Token != "***" || r.AI.Gemini.APIKey != "***" || r.AI.Gemini.Model != "m" {
		t.Fatalf("unexpected redaction: %+v %+v", r, r.AI.Gemini)
	}
	if config.AI.Gemini.APIKey != "secret-key" {
		t.Fatalf("redaction must not modify the original config")
	}
}

func TestRunScores(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	if scores, err := runScores(ctx, st, ""); err != nil || scores != nil {
		t.Fatalf("no run id means no scores, got %v %v", scores, err)
	}
	if _, err := runScores(ctx, st, latestRun); err == nil {
		t.Fatalf("expected error without runs")
	}

	_ = st.SaveScores(ctx, "run-1", []jobs.ScoreResult{{JobID: "~01", Score: 10}})
	_ = st.SaveScores(ctx, "run-2", []jobs.ScoreResult{{JobID: "~01", Score: 90}})

	scores, err := runScores(ctx, st, latestRun)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["~01"].Score != 90 || scores["~01"].RunID != "run-2" {
		t.Fatalf("expected scores of the latest run, got %+v", scores)
	}

	if _, err := runScores(ctx, st, "unknown"); err == nil {
		t.Fatalf("expected error for an unknown run")
	}
}

type closeTrackingStore struct {
	*store.MemoryStore
	closed int
}

func (s *closeTrackingStore) Close() error {
	s.closed++
	return s.MemoryStore.Close()
}

func TestFatalClosesStoreBeforeExit(t *testing.T) {
	var code int
	var closedAtExit int
	st := &closeTrackingStore{MemoryStore: store.NewMemoryStore()}

	prev := exit
	exit = func(c int) {
		code = c
		closedAtExit = st.closed
	}
	t.Cleanup(func() { exit = prev })

	core, observed := observer.New(zapcore.DebugLevel)
	d := &deps{logger: zap.New(core), store: st}

	d.fatal("scoring failed", zap.String("run_id", "r1"))

	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if closedAtExit != 1 {
		t.Fatalf("expected the store to be closed once before exit, got %d", closedAtExit)
	}
	entries := observed.FilterMessage("scoring failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error entry, got %+v", entries)
	}
}
