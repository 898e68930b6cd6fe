// Package normalize turns raw marketplace job nodes into flat jobs.Record values.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

const (
	DefaultMarketplaceURL = "https://www.upwork.com/jobs/"
	SnippetLength         = 300
)

var ErrMalformedRecord = errors.New("malformed record")

// Taxonomy resolves category and subcategory ids. Both taxonomy.Cache and
// taxonomy.Snapshot satisfy it.
type Taxonomy interface {
	Lookup(id string) (jobs.TaxonomyEntry, bool)
}

type Normalizer struct {
	taxonomy Taxonomy
	baseURL  string
}

func New(taxonomy Taxonomy, marketplaceURL string) *Normalizer {
	if marketplaceURL == "" {
		marketplaceURL = DefaultMarketplaceURL
	}
	return &Normalizer{taxonomy: taxonomy, baseURL: marketplaceURL}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}

// Normalize maps one raw record. It fails with ErrMalformedRecord when the id or
// the contract type is missing or a budget value cannot be read.
func (n *Normalizer) Normalize(raw jobs.RawRecord) (jobs.Record, error) {
	node, err := upwork.DecodeJobNode(raw.Payload)
	if err != nil {
		return jobs.Record{}, malformed("%v", err)
	}

	id := strings.TrimSpace(raw.ID)
	if id == "" {
		id = strings.TrimSpace(node.Ciphertext)
	}
	if id == "" {
		return jobs.Record{}, malformed("missing ciphertext id")
	}

	budget, err := resolveBudget(node)
	if err != nil {
		return jobs.Record{}, fmt.Errorf("job %s: %w", id, err)
	}
	low, high := budget.Bounds()

	category, catResolved := n.resolve(node.CategoryID, node.Category)
	subcategory, subResolved := n.resolve(node.SubcategoryID, node.Subcategory)

	return jobs.Record{
		ID:                       id,
		Title:                    strings.TrimSpace(node.Title),
		DescriptionSnippet:       Snippet(node.Description, SnippetLength),
		Category:                 category,
		Subcategory:              subcategory,
		Skills:                   skillSet(node),
		JobType:                  budget.Type(),
		BudgetLow:                low,
		BudgetHigh:               high,
		ClientCountry:            node.Client.Location.Country,
		ClientTotalHires:         node.Client.TotalHires,
		ClientTotalFeedback:      node.Client.TotalFeedback,
		ClientTotalPostedJobs:    node.Client.TotalPostedJobs,
		ClientVerificationStatus: node.Client.VerificationStatus,
		Duration:                 node.Duration,
		Workload:                 node.Workload,
		PostedAt:                 postedDate(node.CreatedDateTime),
		URL:                      n.baseURL + id,
		UnresolvedTaxonomy:       !catResolved || !subResolved,
		FetchedAt:                raw.FetchedAt,
	}, nil
}

// resolve returns the taxonomy label for id. Unknown or absent ids fall back to
// the raw label; the second result is false whenever that fallback was needed
// for a non-empty value.
func (n *Normalizer) resolve(id, label string) (string, bool) {
	id = strings.TrimSpace(id)
	if id != "" && n.taxonomy != nil {
		if entry, ok := n.taxonomy.Lookup(id); ok {
			return entry.Label, true
		}
	}
	if id == "" && label == "" {
		return "", true
	}
	return label, false
}

func contractType(node *upwork.JobNode) string {
	t := node.Job.ContractTerms.ContractType
	if t == "" {
		t = node.JobType
	}
	return strings.ToUpper(strings.TrimSpace(t))
}

func resolveBudget(node *upwork.JobNode) (jobs.Budget, error) {
	terms := node.Job.ContractTerms

	switch t := contractType(node); t {
	case "FIXED", "FIXED_PRICE":
		amount, err := firstMoney(node.Amount, terms.FixedPriceContractTerms.Amount)
		if err != nil {
			return nil, malformed("fixed amount: %v", err)
		}
		return jobs.FixedBudget{Amount: amount}, nil
	case "HOURLY":
		low, err := firstMoney(node.HourlyBudgetMin, terms.HourlyContractTerms.HourlyBudgetMin)
		if err != nil {
			return nil, malformed("hourly min: %v", err)
		}
		high, err := firstMoney(node.HourlyBudgetMax, terms.HourlyContractTerms.HourlyBudgetMax)
		if err != nil {
			return nil, malformed("hourly max: %v", err)
		}
		return jobs.HourlyBudget{Min: low, Max: high}, nil
	case "":
		return nil, malformed("missing contract type")
	default:
		return nil, malformed("unknown contract type %q", t)
	}
}

func firstMoney(values ...any) (*float64, error) {
	for _, v := range values {
		amount, err := money(v)
		if err != nil {
			return nil, err
		}
		if amount != nil {
			return amount, nil
		}
	}
	return nil, nil
}

// money reads a numeric value. nil, empty strings and objects without a value
// mean "unknown" and yield nil; zero is a valid amount.
func money(v any) (*float64, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &value, nil
	case float32:
		f := float64(value)
		return &f, nil
	case int:
		f := float64(value)
		return &f, nil
	case int64:
		f := float64(value)
		return &f, nil
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return nil, err
		}
		return &f, nil
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		return &f, nil
	case map[string]any:
		if raw, ok := value["rawValue"]; ok {
			return money(raw)
		}
		if raw, ok := value["amount"]; ok {
			return money(raw)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported money value %T", v)
	}
}

func skillSet(node *upwork.JobNode) []string {
	skills := make([]string, 0, len(node.Skills))
	for _, s := range node.Skills {
		name := strings.TrimSpace(s.Name)
		if name != "" {
			skills = append(skills, name)
		}
	}
	slices.Sort(skills)
	return slices.Compact(skills)
}

// postedDate keeps only the UTC calendar date. Unparseable input yields the zero time.
func postedDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
