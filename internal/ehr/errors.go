package ehr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTransient failures may succeed on retry: network errors, timeouts,
	// 5xx and 429.
	ErrTransient = errors.New("ehr: transient failure")
	// ErrPermanent failures will not succeed on retry.
	ErrPermanent = errors.New("ehr: permanent failure")
	ErrNotFound  = errors.New("ehr: not found")
)

// APIError is a non-2xx response from the external system.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ehr: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}

func (e *APIError) Unwrap() []error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return []error{ErrPermanent, ErrNotFound}
	case e.RateLimited(), e.StatusCode == http.StatusRequestTimeout, e.StatusCode >= 500:
		return []error{ErrTransient}
	default:
		return []error{ErrPermanent}
	}
}

func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// NetworkError is a request that never produced a response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ehr: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// RateLimit returns the 429 carried by err, if any.
func RateLimit(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RateLimited() {
		return apiErr, true
	}
	return nil, false
}

// ParseRetryAfter reads delta-seconds or an HTTP date. Zero means absent or
// unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
