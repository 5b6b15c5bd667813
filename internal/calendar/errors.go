package calendar

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass partitions provider failures by how the caller should react.
type ErrorClass string

const (
	// ClassTransient covers rate limits and server-side failures; callers
	// retry with backoff, bounded.
	ClassTransient ErrorClass = "transient"

	// ClassFatal covers auth, permission and other client errors; callers
	// abort the run and surface the failure.
	ClassFatal ErrorClass = "fatal"

	// ClassCursorInvalid means the provider discarded the sync cursor; the
	// caller must fall back to a full fetch.
	ClassCursorInvalid ErrorClass = "cursor-invalid"
)

// APIError is a classified provider failure.
type APIError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned %d (%s)", e.StatusCode, e.Class)
	}
	return fmt.Sprintf("provider returned %d (%s): %s", e.StatusCode, e.Class, e.Message)
}

// classifyStatus maps an HTTP status to an error class per the provider
// contract: 429 and 5xx are retryable, 410 invalidates the cursor,
// everything else in 4xx needs operator attention.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status == http.StatusGone:
		return ClassCursorInvalid
	default:
		return ClassFatal
	}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	return hasClass(err, ClassTransient)
}

// IsCursorInvalid reports whether err indicates a discarded sync cursor.
func IsCursorInvalid(err error) bool {
	return hasClass(err, ClassCursorInvalid)
}

// IsFatal reports whether err is a non-retryable provider failure.
func IsFatal(err error) bool {
	return hasClass(err, ClassFatal)
}

func hasClass(err error, class ErrorClass) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == class
}
