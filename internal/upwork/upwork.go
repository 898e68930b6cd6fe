package upwork

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/utils"
)

const (
	apiURL    = "https://api.upwork.com/graphql"
	userAgent = "spigell/upwork-harvester"
	// Max value for search per page.
	MaxPageSize = 50
)

// Credential is what the external token collaborator hands out per call.
type Credential struct {
	Token    string
	TenantID string
}

// CredentialSource supplies a valid bearer credential. The client never mints
// or refreshes tokens itself.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredentials serves a fixed credential loaded at startup.
type StaticCredentials Credential

func (s StaticCredentials) Credential(context.Context) (Credential, error) {
	if strings.TrimSpace(s.Token) == "" {
		return Credential{}, errors.New("upwork token is not configured")
	}
	return Credential(s), nil
}

type Client struct {
	credentials CredentialSource
	logger      *zap.Logger
	clock       utils.Clock
	HTTPClient  *http.Client
	UserAgent   string
	APIURL      string
	// DefaultTenantID is used when the account has no organizations to select.
	DefaultTenantID string

	tenantMu sync.Mutex
	tenantID string
}

func New(logger *zap.Logger, credentials CredentialSource) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		credentials: credentials,
		APIURL:      apiURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    logger,
		clock:     utils.SystemClock(),
		UserAgent: userAgent,
	}
}

// WithClock replaces the clock used to stamp fetched records.
func (c *Client) WithClock(clock utils.Clock) *Client {
	c.clock = clock
	return c
}
