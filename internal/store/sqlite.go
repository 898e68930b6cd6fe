package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_jobs (
		id         TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		fetched_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id                         TEXT PRIMARY KEY REFERENCES raw_jobs(id),
		title                      TEXT NOT NULL,
		description_snippet        TEXT NOT NULL,
		category                   TEXT NOT NULL,
		subcategory                TEXT NOT NULL,
		skills                     TEXT NOT NULL,
		job_type                   TEXT NOT NULL,
		budget_low                 REAL,
		budget_high                REAL,
		client_country             TEXT NOT NULL,
		client_total_hires         INTEGER,
		client_total_feedback      REAL,
		client_total_posted_jobs   INTEGER,
		client_verification_status TEXT NOT NULL,
		duration                   TEXT NOT NULL,
		workload                   TEXT NOT NULL,
		posted_at                  TEXT,
		url                        TEXT NOT NULL,
		unresolved_taxonomy        INTEGER NOT NULL,
		fetched_at                 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_category ON jobs(category)`,
	`CREATE INDEX IF NOT EXISTS jobs_posted_at ON jobs(posted_at)`,
	`CREATE TABLE IF NOT EXISTS scores (
		job_id           TEXT NOT NULL,
		run_id           TEXT NOT NULL,
		score            INTEGER NOT NULL,
		rationale        TEXT NOT NULL,
		matched_keywords TEXT NOT NULL,
		scored_at        TEXT NOT NULL,
		PRIMARY KEY (job_id, run_id)
	)`,
}

const upsertRaw = `INSERT INTO raw_jobs (id, payload, fetched_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`

const upsertJob = `INSERT INTO jobs (
		id, title, description_snippet, category, subcategory, skills, job_type,
		budget_low, budget_high, client_country, client_total_hires, client_total_feedback,
		client_total_posted_jobs, client_verification_status, duration, workload,
		posted_at, url, unresolved_taxonomy, fetched_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description_snippet = excluded.description_snippet,
		category = excluded.category,
		subcategory = excluded.subcategory,
		skills = excluded.skills,
		job_type = excluded.job_type,
		budget_low = excluded.budget_low,
		budget_high = excluded.budget_high,
		client_country = excluded.client_country,
		client_total_hires = excluded.client_total_hires,
		client_total_feedback = excluded.client_total_feedback,
		client_total_posted_jobs = excluded.client_total_posted_jobs,
		client_verification_status = excluded.client_verification_status,
		duration = excluded.duration,
		workload = excluded.workload,
		posted_at = excluded.posted_at,
		url = excluded.url,
		unresolved_taxonomy = excluded.unresolved_taxonomy,
		fetched_at = excluded.fetched_at`

const selectJobs = `SELECT
		id, title, description_snippet, category, subcategory, skills, job_type,
		budget_low, budget_high, client_country, client_total_hires, client_total_feedback,
		client_total_posted_jobs, client_verification_status, duration, workload,
		posted_at, url, unresolved_taxonomy, fetched_at
	FROM jobs`

// SQLiteStore persists jobs and scores in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	keys   *keyLock
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	logger.Debug("sqlite store opened", zap.String("path", path))

	return &SQLiteStore{db: db, keys: newKeyLock(), logger: logger}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, raw jobs.RawRecord, rec jobs.Record) error {
	unlock := s.keys.Lock(rec.ID)
	defer unlock()

	payload, err := json.Marshal(raw.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload of %s: %w", rec.ID, err)
	}
	skills, err := json.Marshal(nonNil(rec.Skills))
	if err != nil {
		return fmt.Errorf("encoding skills of %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert of %s: %w", rec.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, upsertRaw, rec.ID, string(payload), formatTime(raw.FetchedAt)); err != nil {
		return fmt.Errorf("upserting raw job %s: %w", rec.ID, err)
	}

	_, err = tx.ExecContext(ctx, upsertJob,
		rec.ID, rec.Title, rec.DescriptionSnippet, rec.Category, rec.Subcategory, string(skills), string(rec.JobType),
		nullFloat(rec.BudgetLow), nullFloat(rec.BudgetHigh), rec.ClientCountry,
		nullInt(rec.ClientTotalHires), nullFloat(rec.ClientTotalFeedback), nullInt(rec.ClientTotalPostedJobs),
		rec.ClientVerificationStatus, rec.Duration, rec.Workload,
		nullDate(rec.PostedAt), rec.URL, rec.UnresolvedTaxonomy, formatTime(rec.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting job %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert of %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (jobs.Record, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Record{}, ErrNotFound
	}
	if err != nil {
		return jobs.Record{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Raw(ctx context.Context, id string) (jobs.RawRecord, error) {
	var payload, fetchedAt string
	err := s.db.QueryRowContext(ctx, "SELECT payload, fetched_at FROM raw_jobs WHERE id = ?", id).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.RawRecord{}, ErrNotFound
	}
	if err != nil {
		return jobs.RawRecord{}, fmt.Errorf("reading raw job %s: %w", id, err)
	}

	raw := jobs.RawRecord{ID: id, FetchedAt: parseTime(fetchedAt)}
	if err := json.Unmarshal([]byte(payload), &raw.Payload); err != nil {
		return jobs.RawRecord{}, fmt.Errorf("decoding raw job %s: %w", id, err)
	}
	return raw, nil
}

// List streams rows ordered by id. The category and date criteria are pushed
// into SQL; every criterion is still applied to each row by ListFilter.Match.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) (Iterator, error) {
	query := selectJobs
	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		where = append(where, "(category = ? COLLATE NOCASE OR subcategory = ? COLLATE NOCASE)")
		args = append(args, filter.Category, filter.Category)
	}
	if !filter.PostedFrom.IsZero() {
		where = append(where, "posted_at >= ?")
		args = append(args, filter.PostedFrom.UTC().Format(dateLayout))
	}
	if !filter.PostedTo.IsZero() {
		where = append(where, "posted_at <= ?")
		args = append(args, filter.PostedTo.UTC().Format(dateLayout))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return &rowsIterator{rows: rows, filter: filter}, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SaveScores(ctx context.Context, runID string, results []jobs.ScoreResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin saving scores: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO scores (job_id, run_id, score, rationale, matched_keywords, scored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, run_id) DO UPDATE SET
			score = excluded.score,
			rationale = excluded.rationale,
			matched_keywords = excluded.matched_keywords,
			scored_at = excluded.scored_at`)
	if err != nil {
		return fmt.Errorf("preparing score insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		keywords, err := json.Marshal(nonNil(r.MatchedKeywords))
		if err != nil {
			return fmt.Errorf("encoding keywords of %s: %w", r.JobID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.JobID, runID, r.Score, r.Rationale, string(keywords), formatTime(r.ScoredAt)); err != nil {
			return fmt.Errorf("saving score of %s: %w", r.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scores: %w", err)
	}

	s.logger.Debug("scores saved", zap.String("run_id", runID), zap.Int("count", len(results)))
	return nil
}

func (s *SQLiteStore) Scores(ctx context.Context, runID string) ([]jobs.ScoreResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, score, rationale, matched_keywords, scored_at
		FROM scores WHERE run_id = ? ORDER BY job_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("reading scores of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []jobs.ScoreResult
	for rows.Next() {
		var (
			r                  jobs.ScoreResult
			keywords, scoredAt string
		)
		if err := rows.Scan(&r.JobID, &r.Score, &r.Rationale, &keywords, &scoredAt); err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &r.MatchedKeywords); err != nil {
			return nil, fmt.Errorf("decoding keywords of %s: %w", r.JobID, err)
		}
		r.RunID = runID
		r.ScoredAt = parseTime(scoredAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, "SELECT run_id FROM scores ORDER BY scored_at DESC LIMIT 1").Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading latest run: %w", err)
	}
	return runID, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowsIterator struct {
	rows   *sql.Rows
	filter ListFilter
	cur    jobs.Record
	err    error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.rows.Next() {
		rec, err := scanRecord(it.rows)
		if err != nil {
			it.err = err
			return false
		}
		if it.filter.Match(rec) {
			it.cur = rec
			return true
		}
	}
	return false
}

func (it *rowsIterator) Record() jobs.Record { return it.cur }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error { return it.rows.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (jobs.Record, error) {
	var (
		rec                             jobs.Record
		skills, jobType, fetchedAt      string
		budgetLow, budgetHigh, feedback sql.NullFloat64
		hires, posted                   sql.NullInt64
		postedAt                        sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Title, &rec.DescriptionSnippet, &rec.Category, &rec.Subcategory, &skills, &jobType,
		&budgetLow, &budgetHigh, &rec.ClientCountry, &hires, &feedback,
		&posted, &rec.ClientVerificationStatus, &rec.Duration, &rec.Workload,
		&postedAt, &rec.URL, &rec.UnresolvedTaxonomy, &fetchedAt,
	)
	if err != nil {
		return jobs.Record{}, err
	}

	if err := json.Unmarshal([]byte(skills), &rec.Skills); err != nil {
		return jobs.Record{}, fmt.Errorf("decoding skills of %s: %w", rec.ID, err)
	}
	rec.JobType = jobs.JobType(jobType)
	rec.BudgetLow = floatPtr(budgetLow)
	rec.BudgetHigh = floatPtr(budgetHigh)
	rec.ClientTotalFeedback = floatPtr(feedback)
	rec.ClientTotalHires = intPtr(hires)
	rec.ClientTotalPostedJobs = intPtr(posted)
	if postedAt.Valid {
		rec.PostedAt, _ = time.Parse(dateLayout, postedAt.String)
	}
	rec.FetchedAt = parseTime(fetchedAt)

	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return jobs.Float(v.Float64)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return jobs.Int(int(v.Int64))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
