package notion

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sdxl-assets/sam/internal/sync"
)

// Sentinel errors for the statuses a caller can act on.
var (
	// ErrUnauthorized means the integration token was rejected.
	ErrUnauthorized = errors.New("notion: invalid API key")

	// ErrForbidden means the integration has no access to the database.
	ErrForbidden = errors.New("notion: integration lacks access to the database")

	// ErrNotFound means the page or database does not exist (or is not shared).
	ErrNotFound = errors.New("notion: object not found")
)

// APIError is a non-2xx response from the Notion API.
type APIError struct {
	Status  int
	Code    string // e.g. "validation_error"
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("notion: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("notion: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Is maps statuses onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// classify turns a response into the error the sync engine expects:
// 429 is rate limiting, 5xx is transient, everything else is structural.
func classify(op string, resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Code:    gjson.GetBytes(body, "code").String(),
		Message: gjson.GetBytes(body, "message").String(),
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &sync.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &sync.TransientError{Op: op, Err: apiErr}
	}
	return fmt.Errorf("failed to %s: %w", op, apiErr)
}

// parseRetryAfter reads a Retry-After header given in seconds (the form
// Notion sends) or as an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
