package api

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/timamz/SmartScale/internal/api/middleware"
	"github.com/timamz/SmartScale/internal/api/response"
	"github.com/timamz/SmartScale/internal/auth"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// TrustedProxies may set X-Forwarded-For; other peers' headers are ignored.
	TrustedProxies []netip.Prefix

	HealthHandler  http.HandlerFunc
	PredictHandler http.HandlerFunc
	ResultHandler  http.HandlerFunc
	ConfirmHandler http.HandlerFunc
	HistoryHandler http.HandlerFunc
	ModelHandler   http.HandlerFunc
	ListPrices     http.HandlerFunc

	ReloadModelHandler http.HandlerFunc
	SetPriceHandler    http.HandlerFunc
	CreateKeyHandler   http.HandlerFunc
	ListKeysHandler    http.HandlerFunc
	RevokeKeyHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.TrustProxies(deps.TrustedProxies))
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Client-facing routes are public; only intake is rate limited, per key
	// when the caller presents one.
	r.With(deps.Auth.Identify, deps.RateLimit.Limit).Post("/api/v1/predict", orNotImplemented(deps.PredictHandler))
	r.Get("/api/v1/result/{jobID}", orNotImplemented(deps.ResultHandler))
	r.Post("/api/v1/confirm/{jobID}", orNotImplemented(deps.ConfirmHandler))
	r.Get("/api/v1/history", orNotImplemented(deps.HistoryHandler))
	r.Get("/api/v1/model", orNotImplemented(deps.ModelHandler))
	r.Get("/api/v1/prices", orNotImplemented(deps.ListPrices))

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireScope(auth.ScopeAdmin))

		r.Post("/api/v1/admin/reload-model", orNotImplemented(deps.ReloadModelHandler))
		r.Put("/api/v1/admin/prices/{label}", orNotImplemented(deps.SetPriceHandler))
		r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
