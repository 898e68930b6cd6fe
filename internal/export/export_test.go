package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/normalize"
)

func sampleRecords() []jobs.Record {
	return []jobs.Record{
		{
			ID:                    "~02",
			Title:                 "Hourly, \"quoted\" gig",
			DescriptionSnippet:    "Line one; line two",
			Category:              "Web Development",
			Subcategory:           "Back-End Development",
			Skills:                []string{"Go", "PostgreSQL"},
			JobType:               jobs.JobTypeHourly,
			BudgetLow:             jobs.Float(25),
			ClientCountry:         "DE",
			ClientTotalHires:      jobs.Int(0),
			ClientTotalFeedback:   jobs.Float(4.85),
			ClientTotalPostedJobs: jobs.Int(12),
			PostedAt:              time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			URL:                   "https://www.upwork.com/jobs/~02",
			FetchedAt:             time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			ID:                 "~01",
			Title:              "Fixed gig",
			JobType:            jobs.JobTypeFixed,
			BudgetLow:          jobs.Float(1500.5),
			BudgetHigh:         jobs.Float(1500.5),
			URL:                "https://www.upwork.com/jobs/~01",
			UnresolvedTaxonomy: true,
		},
	}
}

func TestCSVNullsAndFlattening(t *testing.T) {
	var buf bytes.Buffer
	if err := CSV(&buf, sampleRecords()); err != nil {
		t.Fatalf("CSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if !reflect.DeepEqual(rows[0], Columns) {
		t.Fatalf("unexpected header: %v", rows[0])
	}

	col := func(row []string, name string) string {
		for i, c := range Columns {
			if c == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return ""
	}

	first, second := rows[1], rows[2]
	if col(first, "id") != "~02" || col(second, "id") != "~01" {
		t.Fatalf("input order not preserved")
	}
	if col(first, "skills") != "Go;PostgreSQL" {
		t.Fatalf("unexpected skills: %q", col(first, "skills"))
	}
	if col(first, "budget_high") != "" || col(first, "client_total_hires") != "0" {
		t.Fatalf("null and zero must stay distinct: high=%q hires=%q", col(first, "budget_high"), col(first, "client_total_hires"))
	}
	if col(first, "posted_at") != "2024-05-01" || col(second, "posted_at") != "" {
		t.Fatalf("unexpected posted_at values")
	}
	if col(second, "budget_low") != "1500.5" || col(first, "client_total_feedback") != "4.85" {
		t.Fatalf("unexpected number formatting")
	}
	if col(second, "unresolved_taxonomy") != "true" {
		t.Fatalf("unexpected unresolved_taxonomy: %q", col(second, "unresolved_taxonomy"))
	}
}

func TestCSVIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	if err := CSV(&a, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	if err := CSV(&b, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	if a.String() != b.String() {
		t.Fatalf("csv export is not deterministic")
	}
}

func normalizedRecords(t *testing.T) []jobs.Record {
	t.Helper()

	fetchedAt := time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)
	raws := []jobs.RawRecord{
		{
			ID: "~02",
			Payload: map[string]any{
				"ciphertext":      "~02",
				"title":           "Hourly, \"quoted\" gig",
				"description":     "<p>Line one</p><p>line <b>two</b></p>",
				"createdDateTime": "2024-05-01T08:15:00Z",
				"category":        "Web Development",
				"categoryId":      "531770282580668418",
				"jobType":         "HOURLY",
				"hourlyBudgetMin": map[string]any{"rawValue": "25", "currency": "USD"},
				"skills":          []any{map[string]any{"name": "PostgreSQL"}, map[string]any{"name": "Go"}},
				"client": map[string]any{
					"location":        map[string]any{"country": "DE"},
					"totalHires":      0,
					"totalFeedback":   4.85,
					"totalPostedJobs": 12,
				},
			},
			FetchedAt: fetchedAt,
		},
		{
			ID: "~01",
			Payload: map[string]any{
				"ciphertext": "~01",
				"title":      "Fixed gig",
				"job": map[string]any{"contractTerms": map[string]any{
					"contractType":            "FIXED_PRICE",
					"fixedPriceContractTerms": map[string]any{"amount": map[string]any{"rawValue": "1500.5"}},
				}},
			},
			FetchedAt: fetchedAt,
		},
	}

	n := normalize.New(nil, "")
	records := make([]jobs.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize %s: %v", raw.ID, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestJSONRoundTrip(t *testing.T) {
	records := normalizedRecords(t)

	var buf bytes.Buffer
	if err := JSON(&buf, records, nil); err != nil {
		t.Fatalf("JSON: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"budget_high": null`) {
		t.Fatalf("expected explicit null budget_high:\n%s", out)
	}
	if !strings.Contains(out, `"skills": []`) {
		t.Fatalf("expected empty skills array:\n%s", out)
	}
	if strings.Contains(out, `"score"`) {
		t.Fatalf("score must be omitted without results")
	}

	docs, err := ParseJSON(&buf)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}

	parsed := make([]jobs.Record, 0, len(docs))
	for _, d := range docs {
		rec, err := d.Record()
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		parsed = append(parsed, rec)
	}

	byID := func(rs []jobs.Record) []jobs.Record {
		sorted := append([]jobs.Record(nil), rs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
		return sorted
	}
	if !reflect.DeepEqual(byID(parsed), byID(records)) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", byID(parsed), byID(records))
	}
}

func TestJSONEmbedsScores(t *testing.T) {
	scores := map[string]jobs.ScoreResult{
		"~01": {JobID: "~01", RunID: "run-1", Score: 77, Rationale: "fits"},
	}

	var buf bytes.Buffer
	if err := JSON(&buf, sampleRecords(), scores); err != nil {
		t.Fatalf("JSON: %v", err)
	}

	docs, err := ParseJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if docs[0].Score != nil {
		t.Fatalf("unexpected score for ~02")
	}
	if docs[1].Score == nil || docs[1].Score.Score != 77 || docs[1].Score.RunID != "run-1" {
		t.Fatalf("unexpected embedded score: %+v", docs[1].Score)
	}
}

func TestXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := XLSX(&buf, sampleRecords()); err != nil {
		t.Fatalf("XLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[1][0] != "~02" || rows[2][0] != "~01" {
		t.Fatalf("unexpected first column: %v %v %v", rows[0][0], rows[1][0], rows[2][0])
	}
	if rows[1][5] != "Go;PostgreSQL" {
		t.Fatalf("unexpected skills cell: %q", rows[1][5])
	}
	if w, err := f.GetColWidth(sheetName, "C"); err != nil || w != 60 {
		t.Fatalf("expected description column width 60, got %v %v", w, err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(" CSV "); err != nil || f != FormatCSV {
		t.Fatalf("unexpected result: %v %v", f, err)
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.csv")

	if err := os.WriteFile(path, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "previous" {
		t.Fatalf("failed export must not touch the target, got %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temporary file left behind: %v", entries)
	}

	if err := WriteFileAtomic(path, func(w io.Writer) error {
		return CSV(w, sampleRecords())
	}); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.HasPrefix(string(data), "id,title,") {
		t.Fatalf("unexpected file content: %q", data)
	}
}
