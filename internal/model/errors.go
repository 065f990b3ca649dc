package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ValidationError reports a job definition the engine cannot operate on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NormalizeMethod upper-cases an HTTP method, defaulting to GET.
func NormalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return http.MethodGet
	}
	return m
}

// Validate checks the fields of a job that the scheduler depends on.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.URL) == "" {
		return &ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if j.Interval <= 0 {
		return &ValidationError{Field: "interval", Reason: "must be positive"}
	}
	// durations are persisted with millisecond resolution
	if j.Interval < time.Millisecond {
		return &ValidationError{Field: "interval", Reason: "must be at least 1ms"}
	}
	if j.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if j.RetryDelay < 0 {
		return &ValidationError{Field: "retry_delay", Reason: "must not be negative"}
	}
	if j.RetryDelay > 0 && j.RetryDelay < time.Millisecond {
		return &ValidationError{Field: "retry_delay", Reason: "must be zero or at least 1ms"}
	}
	return nil
}
