package upwork

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

const (
	searchType       = "USER_JOBS_SEARCH"
	defaultSortField = "RECENCY"
	// The API rejects pagination without an "after" value.
	firstCursor = "0"

	JobTypeAny = "ANY"
)

const searchQuery = `query marketplaceJobPostingsSearch(
  $marketPlaceJobFilter: MarketplaceJobPostingsSearchFilter,
  $searchType: MarketplaceJobPostingSearchType,
  $sortAttributes: [MarketplaceJobPostingSearchSortAttribute]
) {
  marketplaceJobPostingsSearch(
    marketPlaceJobFilter: $marketPlaceJobFilter,
    searchType: $searchType,
    sortAttributes: $sortAttributes
  ) {
    totalCount
    edges {
      node {
        ciphertext
        title
        description
        skills { name }
        createdDateTime
        category
        categoryId
        subcategory
        subcategoryId
        jobType
        amount { rawValue currency }
        hourlyBudgetMin { rawValue currency }
        hourlyBudgetMax { rawValue currency }
        job {
          contractTerms {
            contractType
            fixedPriceContractTerms { amount { rawValue currency } }
            hourlyContractTerms { hourlyBudgetMin hourlyBudgetMax }
          }
        }
        client {
          location { country }
          totalFeedback
          totalPostedJobs
          totalHires
          verificationStatus
          totalReviews
        }
        duration
        workload
      }
    }
    pageInfo { endCursor hasNextPage }
  }
}`

// SearchFilter is one configured query against the marketplace.
type SearchFilter struct {
	Name           string   `mapstructure:"name" json:"name,omitempty"`
	SearchTerm     string   `mapstructure:"search-term" json:"search_term,omitempty"`
	CategoryIDs    []string `mapstructure:"category-ids" json:"category_ids,omitempty"`
	SubcategoryIDs []string `mapstructure:"subcategory-ids" json:"subcategory_ids,omitempty"`
	// JobType is FIXED, HOURLY or ANY (empty means ANY).
	JobType           string   `mapstructure:"job-type" json:"job_type,omitempty"`
	BudgetLow         *float64 `mapstructure:"budget-low" json:"budget_low,omitempty"`
	BudgetHigh        *float64 `mapstructure:"budget-high" json:"budget_high,omitempty"`
	DaysPosted        int      `mapstructure:"days-posted" json:"days_posted,omitempty"`
	PageSize          int      `mapstructure:"page-size" json:"page_size,omitempty"`
	Locations         []string `mapstructure:"locations" json:"locations,omitempty"`
	Duration          string   `mapstructure:"duration" json:"duration,omitempty"`
	Workload          string   `mapstructure:"workload" json:"workload,omitempty"`
	ClientHiresMin    *int     `mapstructure:"client-hires-min" json:"client_hires_min,omitempty"`
	ClientHiresMax    *int     `mapstructure:"client-hires-max" json:"client_hires_max,omitempty"`
	ClientFeedbackMin *float64 `mapstructure:"client-feedback-min" json:"client_feedback_min,omitempty"`
	ClientFeedbackMax *float64 `mapstructure:"client-feedback-max" json:"client_feedback_max,omitempty"`
	SortField         string   `mapstructure:"sort-field" json:"sort_field,omitempty"`
	SortDirection     string   `mapstructure:"sort-direction" json:"sort_direction,omitempty"`
	// Cursor resumes a previously interrupted search.
	Cursor string `mapstructure:"cursor" json:"cursor,omitempty"`
}

// Label identifies the filter in logs and summaries.
func (f SearchFilter) Label() string {
	if f.Name != "" {
		return f.Name
	}
	if f.SearchTerm != "" {
		return f.SearchTerm
	}
	return "all"
}

// EffectivePageSize clamps the requested page size into (0, MaxPageSize].
func (f SearchFilter) EffectivePageSize() int {
	if f.PageSize <= 0 || f.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return f.PageSize
}

// Page is a single response of the search endpoint.
type Page struct {
	Records []jobs.RawRecord
	// NextCursor is nil once the query is exhausted.
	NextCursor *string
	TotalCount int
}

type searchResponse struct {
	Search *struct {
		TotalCount int `json:"totalCount"`
		Edges      []struct {
			Node map[string]any `json:"node"`
		} `json:"edges"`
		PageInfo struct {
			EndCursor   string `json:"endCursor"`
			HasNextPage bool   `json:"hasNextPage"`
		} `json:"pageInfo"`
	} `json:"marketplaceJobPostingsSearch"`
}

// SearchPage fetches the page that starts at cursor (empty for the first page).
func (c *Client) SearchPage(ctx context.Context, filter SearchFilter, cursor string) (*Page, error) {
	variables := buildVariables(filter, cursor)

	c.logger.Debug("searching jobs",
		zap.String("search", filter.Label()),
		zap.String("cursor", cursor),
		zap.Int("page_size", filter.EffectivePageSize()),
	)

	data, err := c.query(ctx, searchQuery, variables, true)
	if err != nil {
		return nil, err
	}

	var response searchResponse
	if err := decode(data, &response); err != nil {
		return nil, &MalformedResponseError{Err: fmt.Errorf("decode search: %w", err)}
	}
	if response.Search == nil {
		return nil, &MalformedResponseError{Err: errors.New("marketplaceJobPostingsSearch is missing")}
	}

	now := c.clock.Now()
	page := &Page{TotalCount: response.Search.TotalCount}
	for _, edge := range response.Search.Edges {
		if edge.Node == nil {
			continue
		}
		id, _ := edge.Node["ciphertext"].(string)
		page.Records = append(page.Records, jobs.RawRecord{
			ID:        strings.TrimSpace(id),
			Payload:   edge.Node,
			FetchedAt: now,
		})
	}

	info := response.Search.PageInfo
	if info.HasNextPage && info.EndCursor != "" {
		next := info.EndCursor
		page.NextCursor = &next
	}

	c.logger.Debug("got search page",
		zap.String("search", filter.Label()),
		zap.Int("records", len(page.Records)),
		zap.Int("total", page.TotalCount),
		zap.Bool("has_next", page.NextCursor != nil),
	)

	return page, nil
}

func buildVariables(filter SearchFilter, cursor string) map[string]any {
	market := map[string]any{}

	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		market["searchExpression_eq"] = term
	}
	if len(filter.CategoryIDs) > 0 {
		market["categoryIds_any"] = filter.CategoryIDs
	}
	if len(filter.SubcategoryIDs) > 0 {
		market["subcategoryIds_any"] = filter.SubcategoryIDs
	}

	jobType := strings.ToUpper(strings.TrimSpace(filter.JobType))
	switch jobType {
	case string(jobs.JobTypeFixed), string(jobs.JobTypeHourly):
		market["jobType_eq"] = jobType
	}

	if budget := rangeOf(filter.BudgetLow, filter.BudgetHigh); budget != nil {
		switch jobType {
		case string(jobs.JobTypeHourly):
			market["hourlyRate_eq"] = budget
		case string(jobs.JobTypeFixed):
			market["budgetRange_eq"] = budget
		default:
			market["hourlyRate_eq"] = budget
			market["budgetRange_eq"] = budget
		}
	}

	if filter.DaysPosted > 0 {
		market["daysPosted_eq"] = filter.DaysPosted
	}
	if len(filter.Locations) > 0 {
		market["locations_any"] = filter.Locations
	}
	if filter.Duration != "" {
		market["duration_v3"] = filter.Duration
	}
	if filter.Workload != "" {
		market["workload_eq"] = filter.Workload
	}
	if hires := intRangeOf(filter.ClientHiresMin, filter.ClientHiresMax); hires != nil {
		market["clientHiresRange_eq"] = hires
	}
	if feedback := rangeOf(filter.ClientFeedbackMin, filter.ClientFeedbackMax); feedback != nil {
		market["clientFeedBackRange_eq"] = feedback
	}

	after := cursor
	if after == "" {
		after = firstCursor
	}
	market["pagination_eq"] = map[string]any{
		"first": filter.EffectivePageSize(),
		"after": after,
	}

	sortField := strings.ToUpper(strings.TrimSpace(filter.SortField))
	if sortField == "" {
		sortField = defaultSortField
	}
	sortAttribute := map[string]any{"field": sortField}
	if dir := strings.ToUpper(strings.TrimSpace(filter.SortDirection)); dir != "" {
		sortAttribute["sortOrder"] = dir
	}

	return map[string]any{
		"searchType":           searchType,
		"sortAttributes":       []map[string]any{sortAttribute},
		"marketPlaceJobFilter": market,
	}
}

func rangeOf(low, high *float64) map[string]any {
	if low == nil && high == nil {
		return nil
	}
	r := map[string]any{}
	if low != nil {
		r["rangeStart"] = *low
	}
	if high != nil {
		r["rangeEnd"] = *high
	}
	return r
}

func intRangeOf(low, high *int) map[string]any {
	if low == nil && high == nil {
		return nil
	}
	r := map[string]any{}
	if low != nil {
		r["rangeStart"] = *low
	}
	if high != nil {
		r["rangeEnd"] = *high
	}
	return r
}
