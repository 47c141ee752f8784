package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusError      = "error"
)

// Error codes recorded on jobs that end in JobStatusError.
const (
	ErrorCodeInvalidImage     = "invalid_image"
	ErrorCodeModelTimeout     = "model_timeout"
	ErrorCodeModelUnavailable = "model_unavailable"
	ErrorCodeModelError       = "model_error"
	ErrorCodeInputUnavailable = "input_unavailable"
	ErrorCodeStorage          = "storage_error"
	ErrorCodeQueueUnavailable = "queue_unavailable"
	ErrorCodeInternal         = "internal"
)

var validTransitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing, JobStatusError},
	JobStatusProcessing: {JobStatusProcessing, JobStatusDone, JobStatusError},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses have no outgoing transitions. processing -> processing is
// a lease takeover by another worker.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further worker action is valid for status.
func IsTerminal(status string) bool {
	return status == JobStatusDone || status == JobStatusError
}

// LabelScore is one ranked candidate returned by the classifier.
type LabelScore struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Job is one submitted (image, weight) pair and its eventual prediction and
// price. Clients poll GET /api/v1/result/{job_id} until status is done or error.
type Job struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Status      string    `db:"status"       json:"status"`
	ImageRef    string    `db:"image_ref"    json:"image_ref"`
	ImageSHA256 string    `db:"image_sha256" json:"image_sha256"`
	Weight      *float64  `db:"weight_kg"    json:"weight_kg"`
	TopK        int       `db:"top_k"        json:"top_k"`

	PredictedLabel *string      `db:"predicted_label" json:"predicted_label"`
	Confidence     *float64     `db:"confidence"      json:"confidence"`
	TopKResults    []LabelScore `db:"top_k_results"   json:"top_k_results"`
	NeedsReview    bool         `db:"needs_review"    json:"needs_review"`
	PricePerUnit   *float64     `db:"price_per_unit"  json:"price_per_unit"`
	TotalPrice     *float64     `db:"total_price"     json:"total_price"`
	ModelID        *string      `db:"model_id"        json:"model_id"`
	ModelRevision  *string      `db:"model_revision"  json:"model_revision"`
	LatencyMs      *int64       `db:"latency_ms"      json:"latency_ms"`

	ErrorCode *string `db:"error_code" json:"error_code,omitempty"`
	Error     *string `db:"error"      json:"error,omitempty"`

	ConfirmedLabel *string    `db:"confirmed_label" json:"confirmed_label"`
	ConfirmedAt    *time.Time `db:"confirmed_at"    json:"confirmed_at,omitempty"`

	ClaimedBy      *string    `db:"claimed_by"       json:"-"`
	Attempts       int        `db:"attempts"         json:"attempts"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"-"`
	EnqueuedAt     time.Time  `db:"enqueued_at"      json:"-"`
	StartedAt      *time.Time `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// Prediction is everything a worker writes when a job reaches done.
type Prediction struct {
	Label         string
	Confidence    float64
	TopK          []LabelScore
	NeedsReview   bool
	PricePerUnit  *float64
	TotalPrice    *float64
	ModelID       string
	ModelRevision string
	LatencyMs     int64
}
