package upwork

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the bearer credential was rejected. It is never retried here;
// the caller is expected to refresh the token and run again.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upwork auth rejected (HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is the upstream rate-limit signal. Once the pager gives up on
// it, it surfaces as the run's RateLimitExceeded outcome.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upwork rate limit exceeded (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("upwork rate limit exceeded: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransportError covers network failures and 5xx responses.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upwork transport error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upwork transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError means the response could not be interpreted: invalid
// JSON, GraphQL errors, or missing data.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("upwork malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// UpstreamError is reported by the taxonomy cache when it cannot load fresh data.
type UpstreamError struct {
	Stale bool
	Err   error
}

func (e *UpstreamError) Error() string {
	if e.Stale {
		return fmt.Sprintf("taxonomy refresh failed, serving stale data: %v", e.Err)
	}
	return fmt.Sprintf("taxonomy unavailable: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsMalformed(err error) bool {
	var target *MalformedResponseError
	return errors.As(err, &target)
}
