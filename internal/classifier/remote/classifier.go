// Package remote classifies images by calling an HTTP inference service.
//
// The service exposes POST /v1/classify taking
//
//	{"model_id": "...", "model_revision": "...", "top_k": 3, "image": "<base64>"}
//
// and answering {"predictions": [{"label": "...", "confidence": 0.93}, ...]}.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/pkg/models"
)

// Classifier implements models.Classifier against a remote inference service.
type Classifier struct {
	baseURL string
	client  *http.Client
}

// New returns a Classifier. Timeouts come from the caller's context.
func New(cfg config.RemoteConfig) *Classifier {
	return &Classifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{},
	}
}

func (c *Classifier) Name() string { return "remote" }

type classifyRequest struct {
	ModelID       string `json:"model_id"`
	ModelRevision string `json:"model_revision"`
	TopK          int    `json:"top_k"`
	Image         string `json:"image"`
}

type classifyResponse struct {
	Predictions []models.LabelScore `json:"predictions"`
}

func (c *Classifier) Classify(ctx context.Context, ref models.ModelRef, image []byte, topK int) (models.Classification, error) {
	if topK < 1 {
		topK = 1
	}
	body, err := json.Marshal(classifyRequest{
		ModelID:       ref.ID,
		ModelRevision: ref.Revision,
		TopK:          topK,
		Image:         base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return models.Classification{}, fmt.Errorf("encode classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return models.Classification{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Classification{}, fmt.Errorf("%w: %s", models.ErrInferenceTimeout, ref)
		}
		return models.Classification{}, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Classification{}, fmt.Errorf("%w: %s", models.ErrInferenceTimeout, ref)
		}
		return models.Classification{}, fmt.Errorf("%w: read body: %v", models.ErrModelUnavailable, err)
	}

	if err := statusError(resp.StatusCode, raw); err != nil {
		return models.Classification{}, err
	}

	var out classifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Classification{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	return toClassification(out.Predictions, topK)
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnsupportedMediaType ||
		code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", models.ErrInvalidImage, code, msg)
	case code == http.StatusNotFound || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d: %s", models.ErrModelUnavailable, code, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", models.ErrInvalidResponse, code, msg)
	}
}

// toClassification validates the service's predictions and ranks them.
func toClassification(preds []models.LabelScore, topK int) (models.Classification, error) {
	if len(preds) == 0 {
		return models.Classification{}, fmt.Errorf("%w: no predictions", models.ErrInvalidResponse)
	}
	ranked := make([]models.LabelScore, 0, len(preds))
	for _, p := range preds {
		if strings.TrimSpace(p.Label) == "" {
			return models.Classification{}, fmt.Errorf("%w: empty label", models.ErrInvalidResponse)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return models.Classification{}, fmt.Errorf("%w: confidence %v out of range", models.ErrInvalidResponse, p.Confidence)
		}
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return models.Classification{
		Label:      ranked[0].Label,
		Confidence: ranked[0].Confidence,
		TopK:       ranked,
	}, nil
}

var _ models.Classifier = (*Classifier)(nil)
