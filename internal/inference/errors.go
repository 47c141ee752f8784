package inference

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/timamz/SmartScale/pkg/models"
)

// Errors returned synchronously to callers of Service. Failures inside the
// worker are never returned; they are recorded on the job.
var (
	ErrValidation          = errors.New("validation error")
	ErrStorage             = errors.New("storage error")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid job state")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrQueueUnavailable    = errors.New("queue unavailable")
	ErrDuplicateSubmission = errors.New("submission already in progress")
)

// errorCode maps a classifier failure to the code stored on the job.
func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidImage):
		return models.ErrorCodeInvalidImage
	case errors.Is(err, models.ErrInferenceTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorCodeModelTimeout
	case errors.Is(err, models.ErrModelUnavailable):
		return models.ErrorCodeModelUnavailable
	default:
		return models.ErrorCodeModelError
	}
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
