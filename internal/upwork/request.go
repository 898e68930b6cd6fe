package upwork

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
	tenantHeader    = "X-Upwork-API-TenantId"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   map[string]any `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions"`
}

func (e graphQLError) code() string {
	if e.Extensions == nil {
		return ""
	}
	code, _ := e.Extensions["code"].(string)
	return strings.ToUpper(code)
}

// query posts a GraphQL document and returns the raw data object. The tenant
// header is attached when withTenant is set.
func (c *Client) query(ctx context.Context, document string, variables map[string]any, withTenant bool) (map[string]any, error) {
	cred, err := c.credentials.Credential(ctx)
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	tenant := ""
	if withTenant {
		tenant, err = c.tenant(ctx, cred)
		if err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(graphQLRequest{Query: document, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req = c.setHeaders(req, cred.Token, tenant)

	resp, err := c.request(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	response, err := c.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	if len(response.Errors) > 0 {
		return nil, classifyGraphQLErrors(response.Errors)
	}

	if response.Data == nil {
		return nil, &MalformedResponseError{Err: errors.New("response has no data")}
	}

	return response.Data, nil
}

func (c *Client) parseResponse(resp *http.Response) (*graphQLResponse, error) {
	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &MalformedResponseError{Err: err}
		}
		defer gz.Close()
		body = gz
	}

	var response graphQLResponse
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return nil, &MalformedResponseError{Err: fmt.Errorf("decode body: %w", err)}
	}

	return &response, nil
}

func (c *Client) request(req *http.Request) (*http.Response, error) {
	c.logger.Debug("make request", zap.String("url", req.URL.String()))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, token, tenant string) *http.Request {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept-Encoding", contentEncoding)
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}

	return req
}

func classifyStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("bad status: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Err: cause}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Err: cause}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &TransportError{StatusCode: resp.StatusCode, Err: cause}
	default:
		return &MalformedResponseError{Err: cause}
	}
}

func classifyGraphQLErrors(errs []graphQLError) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
	}
	cause := fmt.Errorf("graphql errors: %s", strings.Join(messages, "; "))

	for _, e := range errs {
		switch e.code() {
		case "UNAUTHENTICATED", "UNAUTHORIZED", "FORBIDDEN":
			return &AuthError{Err: cause}
		case "TOO_MANY_REQUESTS", "RATE_LIMITED", "THROTTLED":
			return &RateLimitError{Err: cause}
		}
	}

	return &MalformedResponseError{Err: cause}
}

// parseRetryAfter parses the Retry-After header value in seconds.
// Returns zero if absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// decode copies a loosely typed GraphQL object into target using json tags.
func decode(input any, target any) error {
	cfg := &mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
