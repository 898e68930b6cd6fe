package jobs

import (
	"time"
)

type JobType string

const (
	JobTypeFixed  JobType = "FIXED"
	JobTypeHourly JobType = "HOURLY"
)

// RawRecord is a job node exactly as the marketplace returned it.
type RawRecord struct {
	ID        string
	Payload   map[string]any
	FetchedAt time.Time
}

// Record is the flat, canonical representation of a job posting.
// Budget bounds and client counters are nil when the upstream did not supply them.
type Record struct {
	ID                       string
	Title                    string
	DescriptionSnippet       string
	Category                 string
	Subcategory              string
	Skills                   []string
	JobType                  JobType
	BudgetLow                *float64
	BudgetHigh               *float64
	ClientCountry            string
	ClientTotalHires         *int
	ClientTotalFeedback      *float64
	ClientTotalPostedJobs    *int
	ClientVerificationStatus string
	Duration                 string
	Workload                 string
	// PostedAt is a UTC date; the zero value means unknown.
	PostedAt           time.Time
	URL                string
	UnresolvedTaxonomy bool
	FetchedAt          time.Time
}

// Budget is resolved once from the raw payload; see FixedBudget and HourlyBudget.
type Budget interface {
	Type() JobType
	Bounds() (low, high *float64)
}

type FixedBudget struct {
	Amount *float64
}

func (b FixedBudget) Type() JobType { return JobTypeFixed }

func (b FixedBudget) Bounds() (*float64, *float64) {
	if b.Amount == nil {
		return nil, nil
	}
	return Float(*b.Amount), Float(*b.Amount)
}

type HourlyBudget struct {
	Min *float64
	Max *float64
}

func (b HourlyBudget) Type() JobType { return JobTypeHourly }

func (b HourlyBudget) Bounds() (*float64, *float64) {
	return b.Min, b.Max
}

// TaxonomyEntry is a category (ParentID empty) or a subcategory.
type TaxonomyEntry struct {
	ID       string
	Label    string
	ParentID string
}

func (e TaxonomyEntry) IsSubcategory() bool {
	return e.ParentID != ""
}

type ProfileSummary struct {
	UserID                string    `yaml:"user_id" json:"user_id"`
	Title                 string    `yaml:"title" json:"title"`
	Skills                []string  `yaml:"skills" json:"skills,omitempty"`
	PastApplicationsCount int       `yaml:"past_applications_count" json:"past_applications_count"`
	CatalogItemsCount     int       `yaml:"catalog_items_count" json:"catalog_items_count"`
	LastUpdated           time.Time `yaml:"last_updated" json:"last_updated"`
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
