package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timamz/SmartScale/internal/inference"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

// --- fake services ---

type fakeJobService struct {
	submitReq  inference.SubmitRequest
	submitErr  error
	job        *models.Job
	getErr     error
	confirmErr error
	confirmed  string
	filter     store.JobFilter
	listJobs   []*models.Job
	listTotal  int
	listErr    error
}

func (f *fakeJobService) Submit(_ context.Context, req inference.SubmitRequest) (*models.Job, error) {
	f.submitReq = req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &models.Job{ID: uuid.New(), Status: models.JobStatusPending}, nil
}

func (f *fakeJobService) GetStatus(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	j := *f.job
	j.ID = id
	return &j, nil
}

func (f *fakeJobService) Confirm(_ context.Context, id uuid.UUID, label string) (*models.Job, error) {
	f.confirmed = label
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	j := *f.job
	j.ID = id
	j.ConfirmedLabel = &label
	return &j, nil
}

func (f *fakeJobService) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	f.filter = filter
	return f.listJobs, f.listTotal, f.listErr
}

type fakeAdminService struct {
	err      error
	reloaded models.ModelRef
	price    float64
	label    string
	scopes   []string
	revoked  uuid.UUID
}

func (f *fakeAdminService) ActiveModel(_ context.Context) (*models.ModelRegistry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ModelRegistry{ModelID: "fruit-vit", ModelRevision: "v1"}, nil
}

func (f *fakeAdminService) ReloadModel(_ context.Context, ref models.ModelRef) (*models.ModelRegistry, error) {
	f.reloaded = ref
	if f.err != nil {
		return nil, f.err
	}
	return &models.ModelRegistry{ModelID: ref.ID, ModelRevision: ref.Revision}, nil
}

func (f *fakeAdminService) ListPrices(_ context.Context) ([]*models.PriceEntry, error) {
	return []*models.PriceEntry{{Label: "Banana", PricePerUnit: 1.19}}, f.err
}

func (f *fakeAdminService) SetPrice(_ context.Context, label string, price float64) (*models.PriceEntry, error) {
	f.label, f.price = label, price
	if f.err != nil {
		return nil, f.err
	}
	return &models.PriceEntry{Label: label, PricePerUnit: price}, nil
}

func (f *fakeAdminService) CreateKey(_ context.Context, name string, scopes []string) (*models.APIKey, string, error) {
	f.scopes = scopes
	if f.err != nil {
		return nil, "", f.err
	}
	return &models.APIKey{ID: uuid.New(), Name: name, KeyPrefix: "ss_abcde", Scopes: scopes}, "ss_abcdefghijklmnop", nil
}

func (f *fakeAdminService) ListKeys(_ context.Context) ([]*models.APIKey, error) {
	return nil, f.err
}

func (f *fakeAdminService) RevokeKey(_ context.Context, id uuid.UUID) error {
	f.revoked = id
	return f.err
}

type fakeHealth map[string]error

func (f fakeHealth) Health(_ context.Context) map[string]error { return f }

// --- helpers ---

// serve mounts h on a chi router so URL params resolve.
func serve(method, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode(t, w)["error"].(map[string]any)["code"].(string)
}

func multipartBody(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "fruit.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func predictRequest(t *testing.T, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, image, fields)
	req := httptest.NewRequest("POST", "/api/v1/predict", body)
	req.Header.Set("Content-Type", ct)
	return req
}

// --- predict ---

func TestPredict_Accepted(t *testing.T) {
	svc := &fakeJobService{}
	h := NewPredictHandler(svc, 1<<20)

	req := predictRequest(t, []byte("img-bytes"), map[string]string{"weight_kg": "2.0", "top_k": "5"})
	req.Header.Set(IdempotencyKeyHeader, "retry-1")
	w := serve("POST", "/api/v1/predict", h, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.NotEmpty(t, data["job_id"])
	assert.Equal(t, "pending", data["status"])

	assert.Equal(t, []byte("img-bytes"), svc.submitReq.Image)
	require.NotNil(t, svc.submitReq.Weight)
	assert.InDelta(t, 2.0, *svc.submitReq.Weight, 1e-9)
	assert.Equal(t, 5, svc.submitReq.TopK)
	assert.Equal(t, "retry-1", svc.submitReq.IdempotencyKey)
}

func TestPredict_WeightOptional(t *testing.T) {
	svc := &fakeJobService{}
	h := NewPredictHandler(svc, 1<<20)

	w := serve("POST", "/api/v1/predict", h, predictRequest(t, []byte("img"), nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Nil(t, svc.submitReq.Weight)
	assert.Zero(t, svc.submitReq.TopK)
}

func TestPredict_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		image  []byte
		fields map[string]string
		code   string
	}{
		{"missing image", nil, map[string]string{"weight_kg": "1"}, "VALIDATION_ERROR"},
		{"weight not a number", []byte("img"), map[string]string{"weight_kg": "heavy"}, "VALIDATION_ERROR"},
		{"top_k zero", []byte("img"), map[string]string{"top_k": "0"}, "VALIDATION_ERROR"},
		{"top_k not int", []byte("img"), map[string]string{"top_k": "two"}, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPredictHandler(&fakeJobService{}, 1<<20)
			w := serve("POST", "/api/v1/predict", h, predictRequest(t, tt.image, tt.fields))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, errCode(t, w))
		})
	}
}

func TestPredict_NotMultipart(t *testing.T) {
	h := NewPredictHandler(&fakeJobService{}, 1<<20)
	req := httptest.NewRequest("POST", "/api/v1/predict", strings.NewReader(`{"image":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	w := serve("POST", "/api/v1/predict", h, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestPredict_TooLarge(t *testing.T) {
	h := NewPredictHandler(&fakeJobService{}, 1024)
	big := bytes.Repeat([]byte{0xAB}, 1024+formOverhead+1)

	w := serve("POST", "/api/v1/predict", h, predictRequest(t, big, nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errCode(t, w))
}

func TestPredict_ServiceErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: unsupported image", inference.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{fmt.Errorf("%w: db down", inference.ErrStorage), http.StatusServiceUnavailable, "STORAGE_ERROR"},
		{inference.ErrQueueUnavailable, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"},
		{inference.ErrDuplicateSubmission, http.StatusConflict, "DUPLICATE_SUBMISSION"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			h := NewPredictHandler(&fakeJobService{submitErr: tt.err}, 1<<20)
			w := serve("POST", "/api/v1/predict", h, predictRequest(t, []byte("img"), nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errCode(t, w))
		})
	}
}

// --- result ---

func TestResult_Done(t *testing.T) {
	label := "Banana"
	conf, ppu, total := 0.91, 1.19, 2.38
	svc := &fakeJobService{job: &models.Job{
		Status:         models.JobStatusDone,
		PredictedLabel: &label,
		Confidence:     &conf,
		PricePerUnit:   &ppu,
		TotalPrice:     &total,
		TopKResults:    []models.LabelScore{{Label: "Banana", Confidence: 0.91}},
	}}
	id := uuid.New()

	w := serve("GET", "/api/v1/result/{jobID}", NewResultHandler(svc),
		httptest.NewRequest("GET", "/api/v1/result/"+id.String(), nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, id.String(), data["job_id"])
	assert.Equal(t, "done", data["status"])
	assert.Equal(t, "Banana", data["predicted_label"])
	assert.InDelta(t, 2.38, data["total_price"], 1e-9)
	assert.Nil(t, data["confirmed_label"])
}

func TestResult_NotFound(t *testing.T) {
	svc := &fakeJobService{getErr: inference.ErrNotFound}

	w := serve("GET", "/api/v1/result/{jobID}", NewResultHandler(svc),
		httptest.NewRequest("GET", "/api/v1/result/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(t, w))
}

func TestResult_InvalidID(t *testing.T) {
	w := serve("GET", "/api/v1/result/{jobID}", NewResultHandler(&fakeJobService{}),
		httptest.NewRequest("GET", "/api/v1/result/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", errCode(t, w))
}

// --- confirm ---

func TestConfirm_OK(t *testing.T) {
	svc := &fakeJobService{job: &models.Job{Status: models.JobStatusDone}}
	req := httptest.NewRequest("POST", "/api/v1/confirm/"+uuid.NewString(),
		strings.NewReader(`{"confirmed_label":"Apple"}`))

	w := serve("POST", "/api/v1/confirm/{jobID}", NewConfirmHandler(svc), req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Apple", svc.confirmed)
	assert.Equal(t, "Apple", decode(t, w)["data"].(map[string]any)["confirmed_label"])
}

func TestConfirm_NotDone(t *testing.T) {
	svc := &fakeJobService{confirmErr: fmt.Errorf("%w: job is pending", inference.ErrInvalidState)}
	req := httptest.NewRequest("POST", "/api/v1/confirm/"+uuid.NewString(),
		strings.NewReader(`{"confirmed_label":"Apple"}`))

	w := serve("POST", "/api/v1/confirm/{jobID}", NewConfirmHandler(svc), req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errCode(t, w))
}

func TestConfirm_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/confirm/"+uuid.NewString(), strings.NewReader(`{`))

	w := serve("POST", "/api/v1/confirm/{jobID}", NewConfirmHandler(&fakeJobService{}), req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

// --- history ---

func TestHistory_ParsesFilter(t *testing.T) {
	label := "Banana"
	svc := &fakeJobService{
		listJobs:  []*models.Job{{ID: uuid.New(), Status: models.JobStatusDone, PredictedLabel: &label}},
		listTotal: 3,
	}
	req := httptest.NewRequest("GET",
		"/api/v1/history?limit=1&offset=1&status=done&label=Banana&date_from=2026-01-01&date_to=2026-01-31&min_confidence=0.5&needs_review=false", nil)

	w := serve("GET", "/api/v1/history", NewHistoryHandler(svc), req)

	assert.Equal(t, http.StatusOK, w.Code)
	f := svc.filter
	assert.Equal(t, 1, f.Limit)
	assert.Equal(t, 1, f.Offset)
	assert.Equal(t, "done", f.Status)
	assert.Equal(t, "Banana", f.Label)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2026, 1, 31, 23, 59, 59, 999999999, time.UTC), f.To)
	require.NotNil(t, f.MinConfidence)
	assert.InDelta(t, 0.5, *f.MinConfidence, 1e-9)
	require.NotNil(t, f.NeedsReview)
	assert.False(t, *f.NeedsReview)

	body := decode(t, w)
	assert.Len(t, body["data"], 1)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(3), meta["total"])
	assert.Equal(t, true, meta["has_next"])
}

func TestHistory_Defaults(t *testing.T) {
	svc := &fakeJobService{}

	w := serve("GET", "/api/v1/history", NewHistoryHandler(svc), httptest.NewRequest("GET", "/api/v1/history", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, svc.filter.Limit)
	assert.Nil(t, svc.filter.MinConfidence)
	assert.Equal(t, []any{}, decode(t, w)["data"])
}

func TestHistory_BadParams(t *testing.T) {
	queries := []string{
		"limit=0",
		"limit=abc",
		"offset=x",
		"date_from=yesterday",
		"date_to=31/01/2026",
		"min_confidence=high",
		"needs_review=maybe",
	}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			w := serve("GET", "/api/v1/history", NewHistoryHandler(&fakeJobService{}),
				httptest.NewRequest("GET", "/api/v1/history?"+q, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "VALIDATION_ERROR", errCode(t, w))
		})
	}
}

func TestHistory_ServiceValidation(t *testing.T) {
	svc := &fakeJobService{listErr: fmt.Errorf("%w: limit must be at most 500", inference.ErrValidation)}

	w := serve("GET", "/api/v1/history", NewHistoryHandler(svc),
		httptest.NewRequest("GET", "/api/v1/history?limit=1000", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseTimeParam(t *testing.T) {
	got, err := parseTimeParam("2026-03-04T10:00:00Z", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), got)

	got, err = parseTimeParam("", false)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseTimeParam("03/04/2026", false)
	assert.Error(t, err)
}

// --- admin ---

func TestModel_Get(t *testing.T) {
	w := serve("GET", "/api/v1/model", NewModelHandler(&fakeAdminService{}),
		httptest.NewRequest("GET", "/api/v1/model", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fruit-vit", decode(t, w)["data"].(map[string]any)["model_id"])
}

func TestReloadModel(t *testing.T) {
	svc := &fakeAdminService{}
	req := httptest.NewRequest("POST", "/api/v1/admin/reload-model",
		strings.NewReader(`{"model_id":"fruit-vit","model_revision":"v2"}`))

	w := serve("POST", "/api/v1/admin/reload-model", NewReloadModelHandler(svc), req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ModelRef{ID: "fruit-vit", Revision: "v2"}, svc.reloaded)
	assert.Equal(t, "v2", decode(t, w)["data"].(map[string]any)["model_revision"])
}

func TestReloadModel_Forbidden(t *testing.T) {
	svc := &fakeAdminService{err: inference.ErrForbidden}
	req := httptest.NewRequest("POST", "/api/v1/admin/reload-model", strings.NewReader(`{"model_revision":"v2"}`))

	w := serve("POST", "/api/v1/admin/reload-model", NewReloadModelHandler(svc), req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSetPrice(t *testing.T) {
	svc := &fakeAdminService{}
	req := httptest.NewRequest("PUT", "/api/v1/admin/prices/Mango", strings.NewReader(`{"price_per_unit":3.5}`))

	w := serve("PUT", "/api/v1/admin/prices/{label}", NewSetPriceHandler(svc), req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Mango", svc.label)
	assert.InDelta(t, 3.5, svc.price, 1e-9)
}

func TestSetPrice_MissingPrice(t *testing.T) {
	req := httptest.NewRequest("PUT", "/api/v1/admin/prices/Mango", strings.NewReader(`{}`))

	w := serve("PUT", "/api/v1/admin/prices/{label}", NewSetPriceHandler(&fakeAdminService{}), req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, w))
}

func TestListPrices(t *testing.T) {
	w := serve("GET", "/api/v1/prices", NewListPricesHandler(&fakeAdminService{}),
		httptest.NewRequest("GET", "/api/v1/prices", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)
}

func TestCreateKey(t *testing.T) {
	svc := &fakeAdminService{}
	req := httptest.NewRequest("POST", "/api/v1/admin/keys", strings.NewReader(`{"name":"kiosk","scopes":["admin"]}`))

	w := serve("POST", "/api/v1/admin/keys", NewCreateKeyHandler(svc), req)

	assert.Equal(t, http.StatusCreated, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "kiosk", data["name"])
	assert.Equal(t, "ss_abcdefghijklmnop", data["key"])
	assert.NotContains(t, data, "key_hash")
	assert.Equal(t, []string{"admin"}, svc.scopes)
}

func TestCreateKey_NameRequired(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/admin/keys", strings.NewReader(`{"name":"  "}`))

	w := serve("POST", "/api/v1/admin/keys", NewCreateKeyHandler(&fakeAdminService{}), req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListKeys_EmptyArray(t *testing.T) {
	w := serve("GET", "/api/v1/admin/keys", NewListKeysHandler(&fakeAdminService{}),
		httptest.NewRequest("GET", "/api/v1/admin/keys", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["data"])
}

func TestRevokeKey(t *testing.T) {
	svc := &fakeAdminService{}
	id := uuid.New()

	w := serve("DELETE", "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(svc),
		httptest.NewRequest("DELETE", "/api/v1/admin/keys/"+id.String(), nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, id, svc.revoked)
}

func TestRevokeKey_NotFound(t *testing.T) {
	svc := &fakeAdminService{err: inference.ErrNotFound}

	w := serve("DELETE", "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(svc),
		httptest.NewRequest("DELETE", "/api/v1/admin/keys/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- health ---

func TestHealth_OK(t *testing.T) {
	h := NewHealthHandler(fakeHealth{"database": nil, "queue": nil, "blob": nil})

	w := serve("GET", "/api/v1/health", h, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "ok", data["components"].(map[string]any)["queue"])
}

func TestHealth_Degraded(t *testing.T) {
	h := NewHealthHandler(fakeHealth{"database": nil, "queue": errors.New("connection refused")})

	w := serve("GET", "/api/v1/health", h, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "UNHEALTHY", body["code"])
	assert.Equal(t, "error: connection refused", body["details"].(map[string]any)["queue"])
}
