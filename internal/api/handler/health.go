package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/timamz/SmartScale/internal/api/response"
)

const healthTimeout = 3 * time.Second

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		results := checker.Health(ctx)
		components := make(map[string]string, len(results))
		healthy := true
		for name, err := range results {
			if err != nil {
				components[name] = "error: " + err.Error()
				healthy = false
				continue
			}
			components[name] = "ok"
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY",
				"One or more dependencies are unavailable", components)
			return
		}
		response.JSON(w, map[string]any{
			"status":     "ok",
			"components": components,
			"time":       time.Now().UTC(),
		})
	}
}
