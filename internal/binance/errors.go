package binance

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the connectivity core. Callers classify failures with
// errors.Is/errors.As.
var (
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrBanned             = errors.New("rest access suspended by venue")
	ErrRateLimitTimeout   = errors.New("timed out waiting for rate limit slot")
	ErrTimeout            = errors.New("request timed out")
	ErrInvalidParams      = errors.New("invalid order parameters")
	ErrExhaustedRetries   = errors.New("retries exhausted")
)

// BannedError reports a suspension with its resume time. It matches
// ErrBanned under errors.Is.
type BannedError struct {
	Until time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("rest access suspended by venue until %s", e.Until.Format(time.RFC3339))
}

func (e *BannedError) Is(target error) bool {
	return target == ErrBanned
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status int
	Code   int    // venue error code, 0 when absent
	Msg    string // venue error message
	Body   string // raw body, for unparseable responses
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d: code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Venue error codes that cannot succeed on retry.
const (
	codeInvalidTimestamp = -1021 // transient: clock skew, excluded below
	codeInvalidSignature = -1022
	codeBadAPIKeyFormat  = -2014
	codeRejectedAPIKey   = -2015
)

// isNonTransient reports whether retrying the failed call is pointless:
// missing credentials, invalid parameters, an active ban, a bad key or
// signature, or any 4xx response other than timestamp skew. Timeouts,
// network failures and 5xx responses are considered transient.
func isNonTransient(err error) bool {
	if errors.Is(err, ErrCredentialsMissing) ||
		errors.Is(err, ErrBanned) ||
		errors.Is(err, ErrInvalidParams) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeInvalidTimestamp {
			return false
		}
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}
