package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/timamz/SmartScale/internal/api/response"
	"github.com/timamz/SmartScale/internal/inference"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

// IdempotencyKeyHeader lets clients retry a submission without creating a
// second job.
const IdempotencyKeyHeader = "Idempotency-Key"

// multipart framing allowance on top of the image itself
const formOverhead = 64 << 10

type jobView struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	WeightKg  *float64  `json:"weight_kg"`
	TopK      int       `json:"top_k"`

	PredictedLabel *string             `json:"predicted_label"`
	Confidence     *float64            `json:"confidence"`
	TopKResults    []models.LabelScore `json:"top_k_results"`
	NeedsReview    bool                `json:"needs_review"`
	PricePerUnit   *float64            `json:"price_per_unit"`
	TotalPrice     *float64            `json:"total_price"`
	ModelID        *string             `json:"model_id"`
	ModelRevision  *string             `json:"model_revision"`
	LatencyMs      *int64              `json:"latency_ms"`

	ErrorCode *string `json:"error_code"`
	Error     *string `json:"error"`

	ConfirmedLabel *string    `json:"confirmed_label"`
	ConfirmedAt    *time.Time `json:"confirmed_at"`
}

func newJobView(j *models.Job) jobView {
	return jobView{
		JobID:          j.ID.String(),
		Status:         j.Status,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		WeightKg:       j.Weight,
		TopK:           j.TopK,
		PredictedLabel: j.PredictedLabel,
		Confidence:     j.Confidence,
		TopKResults:    j.TopKResults,
		NeedsReview:    j.NeedsReview,
		PricePerUnit:   j.PricePerUnit,
		TotalPrice:     j.TotalPrice,
		ModelID:        j.ModelID,
		ModelRevision:  j.ModelRevision,
		LatencyMs:      j.LatencyMs,
		ErrorCode:      j.ErrorCode,
		Error:          j.Error,
		ConfirmedLabel: j.ConfirmedLabel,
		ConfirmedAt:    j.ConfirmedAt,
	}
}

// NewPredictHandler returns an http.HandlerFunc for POST /api/v1/predict.
// The body is multipart/form-data with an image file and optional weight_kg
// and top_k fields.
func NewPredictHandler(svc JobService, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+formOverhead)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					"Upload exceeds the maximum allowed size", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Body must be multipart/form-data", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, _, err := r.FormFile("image")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "image is required", nil)
			return
		}
		defer file.Close()

		image, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read image", nil)
			return
		}

		req := inference.SubmitRequest{
			Image:          image,
			IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		}

		if v := strings.TrimSpace(r.FormValue("weight_kg")); v != "" {
			weight, err := strconv.ParseFloat(v, 64)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "weight_kg must be a number", nil)
				return
			}
			req.Weight = &weight
		}
		if v := strings.TrimSpace(r.FormValue("top_k")); v != "" {
			topK, err := strconv.Atoi(v)
			if err != nil || topK < 1 {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "top_k must be an integer >= 1", nil)
				return
			}
			req.TopK = topK
		}

		job, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Accepted(w, map[string]string{
			"job_id": job.ID.String(),
			"status": job.Status,
		})
	}
}

// NewResultHandler returns an http.HandlerFunc for GET /api/v1/result/{jobID}.
func NewResultHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, newJobView(job))
	}
}

// NewConfirmHandler returns an http.HandlerFunc for POST /api/v1/confirm/{jobID}.
func NewConfirmHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		var req struct {
			ConfirmedLabel string `json:"confirmed_label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Confirm(r.Context(), id, req.ConfirmedLabel)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, newJobView(job))
	}
}

// NewHistoryHandler returns an http.HandlerFunc for GET /api/v1/history.
func NewHistoryHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Status: q.Get("status"),
			Label:  q.Get("label"),
			Limit:  50,
		}

		var err error
		if v := q.Get("limit"); v != "" {
			if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 1 {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be 1..500", nil)
				return
			}
		}
		if v := q.Get("offset"); v != "" {
			if filter.Offset, err = strconv.Atoi(v); err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
		}
		if filter.From, err = parseTimeParam(q.Get("date_from"), false); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "date_from must be RFC3339 or YYYY-MM-DD", nil)
			return
		}
		if filter.To, err = parseTimeParam(q.Get("date_to"), true); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "date_to must be RFC3339 or YYYY-MM-DD", nil)
			return
		}
		if v := q.Get("min_confidence"); v != "" {
			c, err := strconv.ParseFloat(v, 64)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "min_confidence must be a number", nil)
				return
			}
			filter.MinConfidence = &c
		}
		if v := q.Get("needs_review"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "needs_review must be true or false", nil)
				return
			}
			filter.NeedsReview = &b
		}

		jobs, total, err := svc.ListJobs(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, newJobView(j))
		}
		response.Collection(w, views, response.NewPaginationMeta(filter.Limit, filter.Offset, len(views), total))
	}
}

// parseTimeParam accepts RFC3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseTimeParam(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}
