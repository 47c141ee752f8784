package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/timamz/SmartScale/internal/api/response"
	"github.com/timamz/SmartScale/pkg/models"
)

// NewModelHandler returns an http.HandlerFunc for GET /api/v1/model.
func NewModelHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg, err := svc.ActiveModel(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, reg)
	}
}

// NewReloadModelHandler returns an http.HandlerFunc for
// POST /api/v1/admin/reload-model.
func NewReloadModelHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ModelID       string `json:"model_id"`
			ModelRevision string `json:"model_revision"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		reg, err := svc.ReloadModel(r.Context(), models.ModelRef{ID: req.ModelID, Revision: req.ModelRevision})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, reg)
	}
}

// NewListPricesHandler returns an http.HandlerFunc for GET /api/v1/prices.
func NewListPricesHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prices, err := svc.ListPrices(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, prices)
	}
}

// NewSetPriceHandler returns an http.HandlerFunc for
// PUT /api/v1/admin/prices/{label}.
func NewSetPriceHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PricePerUnit *float64 `json:"price_per_unit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.PricePerUnit == nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "price_per_unit is required", nil)
			return
		}

		entry, err := svc.SetPrice(r.Context(), chi.URLParam(r, "label"), *req.PricePerUnit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, entry)
	}
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response.
func NewCreateKeyHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
			return
		}

		key, raw, err := svc.CreateKey(r.Context(), req.Name, req.Scopes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := svc.ListKeys(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "keyID")
		if !ok {
			return
		}
		if err := svc.RevokeKey(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		response.NoContent(w)
	}
}
