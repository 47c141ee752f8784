package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/api/response"
	"github.com/timamz/SmartScale/internal/inference"
)

// writeServiceError maps inference errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inference.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, inference.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, inference.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, inference.ErrDuplicateSubmission):
		response.Error(w, http.StatusConflict, "DUPLICATE_SUBMISSION",
			"A submission with this Idempotency-Key is still being processed", nil)
	case errors.Is(err, inference.ErrUnauthenticated):
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Authentication required", nil)
	case errors.Is(err, inference.ErrForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", nil)
	case errors.Is(err, inference.ErrQueueUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
			"The job could not be queued, please retry", nil)
	case errors.Is(err, inference.ErrStorage):
		slog.Error("storage_error", "error", err)
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_ERROR",
			"Storage is temporarily unavailable", nil)
	default:
		slog.Error("unhandled_error", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// uuidParam parses a UUID path parameter, writing a 400 when it is malformed.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
