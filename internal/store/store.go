package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Job write conflicts. Callers branch on these with errors.Is.
var (
	ErrJobTerminal = errors.New("job already in a terminal state")
	ErrJobClaimed  = errors.New("job claimed by another worker")
	ErrClaimLost   = errors.New("job claim lost")
	ErrJobNotDone  = errors.New("job is not done")
)

// JobStore persists inference jobs and enforces forward-only transitions.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// ClaimJob moves a pending job (or a processing job whose lease expired)
	// to processing on behalf of workerID.
	ClaimJob(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*models.Job, error)
	// CompleteJob writes the prediction; only the current claimant may do so.
	CompleteJob(ctx context.Context, id uuid.UUID, workerID string, p *models.Prediction) error
	// FailJob records a terminal error. An empty workerID fails a job that was
	// never claimed (status pending).
	FailJob(ctx context.Context, id uuid.UUID, workerID, code, message string, opts ...JobUpdateOption) error
	ConfirmJob(ctx context.Context, id uuid.UUID, label string) (*models.Job, error)

	ListStaleJobs(ctx context.Context, enqueuedBefore time.Time, limit int) ([]uuid.UUID, error)
	MarkEnqueued(ctx context.Context, ids []uuid.UUID) error
}

// RegistryStore holds the singleton active-model row.
type RegistryStore interface {
	GetActiveModel(ctx context.Context) (*models.ModelRegistry, error)
	EnsureActiveModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error)
	// ReloadModel atomically replaces the active identity. Empty fields keep
	// their current value.
	ReloadModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error)
}

// PriceStore is the label -> price reference table.
type PriceStore interface {
	GetPrice(ctx context.Context, label string) (*models.PriceEntry, error)
	UpsertPrice(ctx context.Context, label string, pricePerUnit float64) (*models.PriceEntry, error)
	ListPrices(ctx context.Context) ([]*models.PriceEntry, error)
}

// KeyStore holds operator API keys.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	RegistryStore
	PriceStore
	KeyStore
}

type JobFilter struct {
	Status        string
	Label         string
	From          time.Time
	To            time.Time
	MinConfidence *float64
	NeedsReview   *bool
	Limit         int
	Offset        int
}

// JobUpdate holds the optional fields a JobUpdateOption can set.
type JobUpdate struct {
	Model     *models.ModelRef
	LatencyMs *int64
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdateOptions folds opts into a JobUpdate.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// WithModel records the model identity that was in use when the job failed.
func WithModel(ref models.ModelRef) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Model = &ref
	}
}

func WithLatency(ms int64) JobUpdateOption {
	return func(p *JobUpdate) {
		p.LatencyMs = &ms
	}
}
