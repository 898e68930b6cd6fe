package upwork

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const companySelectorQuery = `query companySelector {
  companySelector {
    items { title organizationId }
  }
}`

type companySelector struct {
	CompanySelector struct {
		Items []struct {
			Title          string `json:"title"`
			OrganizationID string `json:"organizationId"`
		} `json:"items"`
	} `json:"companySelector"`
}

// tenant returns the organization scope for a call: the one carried by the
// credential, otherwise the first organization of the account, resolved once.
func (c *Client) tenant(ctx context.Context, cred Credential) (string, error) {
	if id := strings.TrimSpace(cred.TenantID); id != "" {
		return id, nil
	}

	c.tenantMu.Lock()
	defer c.tenantMu.Unlock()

	if c.tenantID != "" {
		return c.tenantID, nil
	}

	data, err := c.query(ctx, companySelectorQuery, nil, false)
	if err != nil {
		return "", err
	}

	var selector companySelector
	if err := decode(data, &selector); err != nil {
		return "", &MalformedResponseError{Err: err}
	}

	items := selector.CompanySelector.Items
	if len(items) == 0 {
		if c.DefaultTenantID == "" {
			return "", &MalformedResponseError{Err: errors.New("no organizations found and no default tenant configured")}
		}
		c.tenantID = c.DefaultTenantID
		return c.tenantID, nil
	}

	if items[0].OrganizationID == "" {
		return "", &MalformedResponseError{Err: errors.New("first organization has no organizationId")}
	}

	c.tenantID = items[0].OrganizationID
	c.logger.Info("resolved tenant context",
		zap.String("tenant_id", c.tenantID),
		zap.String("organization", items[0].Title),
	)

	return c.tenantID, nil
}
