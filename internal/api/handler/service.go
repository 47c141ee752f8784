package handler

import (
	"context"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/inference"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

// JobService is the intake, status and confirmation surface the job handlers
// depend on.
type JobService interface {
	Submit(ctx context.Context, req inference.SubmitRequest) (*models.Job, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Confirm(ctx context.Context, id uuid.UUID, label string) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

// AdminService covers the model registry, price table and API keys.
type AdminService interface {
	ActiveModel(ctx context.Context) (*models.ModelRegistry, error)
	ReloadModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error)
	ListPrices(ctx context.Context) ([]*models.PriceEntry, error)
	SetPrice(ctx context.Context, label string, pricePerUnit float64) (*models.PriceEntry, error)
	CreateKey(ctx context.Context, name string, scopes []string) (*models.APIKey, string, error)
	ListKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeKey(ctx context.Context, id uuid.UUID) error
}

// HealthChecker reports per-dependency failures; a nil entry is healthy.
type HealthChecker interface {
	Health(ctx context.Context) map[string]error
}

var (
	_ JobService    = (*inference.Service)(nil)
	_ AdminService  = (*inference.Service)(nil)
	_ HealthChecker = (*inference.Service)(nil)
)
