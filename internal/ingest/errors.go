package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrPoolExhausted is returned when no pooled session frees up before the acquire timeout.
	ErrPoolExhausted = errors.New("resource pool exhausted")
	// ErrSchema marks a page that does not have the expected form or table shape.
	ErrSchema = errors.New("unexpected page schema")
	// ErrInvariant marks a programming error such as releasing a resource twice.
	ErrInvariant = errors.New("invariant violation")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTargetUnavailable is returned when the preflight probe cannot reach the target.
	ErrTargetUnavailable = errors.New("target unavailable")
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("run already in progress")
)

// StatusError reports a non-success HTTP status from the target site.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// RateLimited reports whether the status asks the client to back off.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// ParseRetryAfter reads a Retry-After header value given in seconds or as an
// HTTP date. Unparseable or empty values yield fallback.
func ParseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
