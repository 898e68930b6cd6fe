package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Formats lists every supported format in the order commands offer them.
var Formats = []Format{FormatJSON, FormatCSV, FormatXLSX}

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

const (
	SkillsDelimiter = ";"
	dateLayout      = "2006-01-02"
	sheetName       = "Jobs"
)

// Columns is the field order shared by every format.
var Columns = []string{
	"id",
	"title",
	"description_snippet",
	"category",
	"subcategory",
	"skills",
	"job_type",
	"budget_low",
	"budget_high",
	"client_country",
	"client_total_hires",
	"client_total_feedback",
	"client_total_posted_jobs",
	"client_verification_status",
	"duration",
	"workload",
	"posted_at",
	"url",
	"unresolved_taxonomy",
	"fetched_at",
}

// Document is one exported JSON element. Field order follows Columns.
type Document struct {
	ID                       string            `json:"id"`
	Title                    string            `json:"title"`
	DescriptionSnippet       string            `json:"description_snippet"`
	Category                 string            `json:"category"`
	Subcategory              string            `json:"subcategory"`
	Skills                   []string          `json:"skills"`
	JobType                  jobs.JobType      `json:"job_type"`
	BudgetLow                *float64          `json:"budget_low"`
	BudgetHigh               *float64          `json:"budget_high"`
	ClientCountry            string            `json:"client_country"`
	ClientTotalHires         *int              `json:"client_total_hires"`
	ClientTotalFeedback      *float64          `json:"client_total_feedback"`
	ClientTotalPostedJobs    *int              `json:"client_total_posted_jobs"`
	ClientVerificationStatus string            `json:"client_verification_status"`
	Duration                 string            `json:"duration"`
	Workload                 string            `json:"workload"`
	PostedAt                 *string           `json:"posted_at"`
	URL                      string            `json:"url"`
	UnresolvedTaxonomy       bool              `json:"unresolved_taxonomy"`
	FetchedAt                *string           `json:"fetched_at"`
	Score                    *jobs.ScoreResult `json:"score,omitempty"`
}

func newDocument(rec jobs.Record) Document {
	skills := rec.Skills
	if skills == nil {
		skills = []string{}
	}

	return Document{
		ID:                       rec.ID,
		Title:                    rec.Title,
		DescriptionSnippet:       rec.DescriptionSnippet,
		Category:                 rec.Category,
		Subcategory:              rec.Subcategory,
		Skills:                   skills,
		JobType:                  rec.JobType,
		BudgetLow:                rec.BudgetLow,
		BudgetHigh:               rec.BudgetHigh,
		ClientCountry:            rec.ClientCountry,
		ClientTotalHires:         rec.ClientTotalHires,
		ClientTotalFeedback:      rec.ClientTotalFeedback,
		ClientTotalPostedJobs:    rec.ClientTotalPostedJobs,
		ClientVerificationStatus: rec.ClientVerificationStatus,
		Duration:                 rec.Duration,
		Workload:                 rec.Workload,
		PostedAt:                 formatTime(rec.PostedAt, dateLayout),
		URL:                      rec.URL,
		UnresolvedTaxonomy:       rec.UnresolvedTaxonomy,
		FetchedAt:                formatTime(rec.FetchedAt, time.RFC3339Nano),
	}
}

// Record converts the document back into the canonical record.
func (d Document) Record() (jobs.Record, error) {
	rec := jobs.Record{
		ID:                       d.ID,
		Title:                    d.Title,
		DescriptionSnippet:       d.DescriptionSnippet,
		Category:                 d.Category,
		Subcategory:              d.Subcategory,
		JobType:                  d.JobType,
		BudgetLow:                d.BudgetLow,
		BudgetHigh:               d.BudgetHigh,
		ClientCountry:            d.ClientCountry,
		ClientTotalHires:         d.ClientTotalHires,
		ClientTotalFeedback:      d.ClientTotalFeedback,
		ClientTotalPostedJobs:    d.ClientTotalPostedJobs,
		ClientVerificationStatus: d.ClientVerificationStatus,
		Duration:                 d.Duration,
		Workload:                 d.Workload,
		URL:                      d.URL,
		UnresolvedTaxonomy:       d.UnresolvedTaxonomy,
	}
	// Never nil, like the skills of a normalized record.
	rec.Skills = append([]string{}, d.Skills...)

	var err error
	if rec.PostedAt, err = parseTime(d.PostedAt, dateLayout); err != nil {
		return jobs.Record{}, fmt.Errorf("job %s: posted_at: %w", d.ID, err)
	}
	if rec.FetchedAt, err = parseTime(d.FetchedAt, time.RFC3339Nano); err != nil {
		return jobs.Record{}, fmt.Errorf("job %s: fetched_at: %w", d.ID, err)
	}
	return rec, nil
}

// JSON writes records as a JSON array. When scores holds a result for a record
// it is embedded under "score".
func JSON(w io.Writer, records []jobs.Record, scores map[string]jobs.ScoreResult) error {
	docs := make([]Document, 0, len(records))
	for _, rec := range records {
		doc := newDocument(rec)
		if res, ok := scores[rec.ID]; ok {
			doc.Score = &res
		}
		docs = append(docs, doc)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(docs); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

// ParseJSON reads back what JSON wrote.
func ParseJSON(r io.Reader) ([]Document, error) {
	var docs []Document
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode json export: %w", err)
	}
	return docs, nil
}

// CSV writes a header row with Columns followed by one row per record.
// Skills are joined with SkillsDelimiter and nulls become empty strings.
func CSV(w io.Writer, records []jobs.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, rec := range records {
		vals := values(rec)
		row := make([]string, len(vals))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", rec.ID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// XLSX writes a single "Jobs" sheet. Numbers keep their cell type; nulls are
// left as empty strings.
func XLSX(w io.Writer, records []jobs.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	for i, rec := range records {
		vals := values(rec)
		for j, v := range vals {
			if v == nil {
				vals[j] = ""
			} else if s, ok := v.([]string); ok {
				vals[j] = strings.Join(s, SkillsDelimiter)
			}
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &vals); err != nil {
			return fmt.Errorf("write xlsx row %s: %w", rec.ID, err)
		}
	}

	for _, width := range []struct {
		col   string
		width float64
	}{{"B", 40}, {"C", 60}, {"R", 48}} {
		if err := f.SetColWidth(sheetName, width.col, width.col, width.width); err != nil {
			return fmt.Errorf("set xlsx column width %s: %w", width.col, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// Write dispatches to the writer of format.
func Write(w io.Writer, format Format, records []jobs.Record, scores map[string]jobs.ScoreResult) error {
	switch format {
	case FormatJSON:
		return JSON(w, records, scores)
	case FormatCSV:
		return CSV(w, records)
	case FormatXLSX:
		return XLSX(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// values returns one typed cell per column. A nil entry is a null.
func values(rec jobs.Record) []any {
	return []any{
		rec.ID,
		rec.Title,
		rec.DescriptionSnippet,
		rec.Category,
		rec.Subcategory,
		rec.Skills,
		string(rec.JobType),
		floatValue(rec.BudgetLow),
		floatValue(rec.BudgetHigh),
		rec.ClientCountry,
		intValue(rec.ClientTotalHires),
		floatValue(rec.ClientTotalFeedback),
		intValue(rec.ClientTotalPostedJobs),
		rec.ClientVerificationStatus,
		rec.Duration,
		rec.Workload,
		timeValue(rec.PostedAt, dateLayout),
		rec.URL,
		rec.UnresolvedTaxonomy,
		timeValue(rec.FetchedAt, time.RFC3339Nano),
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, SkillsDelimiter)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func floatValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intValue(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeValue(t time.Time, layout string) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(layout)
}

func formatTime(t time.Time, layout string) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(layout)
	return &s
}

func parseTime(s *string, layout string) (time.Time, error) {
	if s == nil || *s == "" {
		return time.Time{}, nil
	}
	return time.Parse(layout, *s)
}
