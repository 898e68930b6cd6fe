package upwork

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

const categoriesQuery = `query ontologyCategories {
  ontologyCategories {
    id
    preferredLabel
    subcategories {
      id
      preferredLabel
    }
  }
}`

type categoryNode struct {
	ID             string `json:"id"`
	PreferredLabel string `json:"preferredLabel"`
	Subcategories  []struct {
		ID             string `json:"id"`
		PreferredLabel string `json:"preferredLabel"`
	} `json:"subcategories"`
}

// Categories returns the marketplace taxonomy flattened into one ordered list:
// every category is followed by its subcategories. When ids are given only those
// categories (and their children) are kept.
func (c *Client) Categories(ctx context.Context, ids ...string) ([]jobs.TaxonomyEntry, error) {
	data, err := c.query(ctx, categoriesQuery, nil, true)
	if err != nil {
		return nil, err
	}

	var response struct {
		Categories []categoryNode `json:"ontologyCategories"`
	}
	if err := decode(data, &response); err != nil {
		return nil, &MalformedResponseError{Err: fmt.Errorf("decode categories: %w", err)}
	}

	var entries []jobs.TaxonomyEntry
	for _, category := range response.Categories {
		id := strings.TrimSpace(category.ID)
		if id == "" || category.PreferredLabel == "" {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}

		entries = append(entries, jobs.TaxonomyEntry{ID: id, Label: category.PreferredLabel})
		for _, sub := range category.Subcategories {
			if sub.ID == "" || sub.PreferredLabel == "" {
				continue
			}
			entries = append(entries, jobs.TaxonomyEntry{
				ID:       sub.ID,
				Label:    sub.PreferredLabel,
				ParentID: id,
			})
		}
	}

	c.logger.Info("fetched categories", zap.Int("entries", len(entries)))

	return entries, nil
}
