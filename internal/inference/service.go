// Package inference accepts classification requests, runs them through the
// worker pool and serves their results.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/blob"
	"github.com/timamz/SmartScale/internal/cache"
	"github.com/timamz/SmartScale/internal/queue"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

const maxLabelLen = 100

// IntakeOptions bounds what a submission may ask for.
type IntakeOptions struct {
	MaxImageBytes  int64
	DefaultTopK    int
	MaxTopK        int
	IdempotencyTTL time.Duration
	// PublishTimeout caps how long Submit keeps retrying the queue.
	PublishTimeout time.Duration
}

// SubmitRequest is one (image, weight) pair from a client.
type SubmitRequest struct {
	Image  []byte
	Weight *float64
	// TopK of zero selects the default.
	TopK           int
	IdempotencyKey string
}

// Service is the synchronous side of the pipeline: intake, status, confirm
// and administration. It never runs a model.
type Service struct {
	store  store.Store
	blobs  blob.Store
	queue  queue.Queue
	cache  cache.Cache
	opts   IntakeOptions
	logger *slog.Logger
}

// NewService creates a new Service. ca may be nil, which disables
// idempotency keys.
func NewService(st store.Store, blobs blob.Store, q queue.Queue, ca cache.Cache, opts IntakeOptions, logger *slog.Logger) *Service {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 3
	}
	if opts.MaxTopK < opts.DefaultTopK {
		opts.MaxTopK = opts.DefaultTopK
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, blobs: blobs, queue: q, cache: ca, opts: opts, logger: logger}
}

// Submit validates the request, persists a pending job and enqueues it. It
// returns as soon as the job is queued. A validation or storage failure leaves
// nothing enqueued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (_ *models.Job, err error) {
	if s.opts.MaxImageBytes > 0 && int64(len(req.Image)) > s.opts.MaxImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrValidation, s.opts.MaxImageBytes)
	}
	ext, contentType, err := sniffImage(req.Image)
	if err != nil {
		return nil, err
	}
	if req.Weight != nil {
		w := *req.Weight
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			return nil, fmt.Errorf("%w: weight must be a positive number", ErrValidation)
		}
	}
	topK, err := s.topK(req.TopK)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New()

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" && s.cache != nil {
		existing, reserved, rerr := s.reserve(ctx, idemKey, jobID)
		if rerr != nil {
			return nil, rerr
		}
		if existing != nil {
			return existing, nil
		}
		if reserved {
			// A failed submission frees the key so the client can retry.
			defer func() {
				if err != nil {
					_ = s.cache.Delete(context.WithoutCancel(ctx), cache.IdempotencyKey(idemKey))
				}
			}()
		}
	}

	now := time.Now().UTC()
	imageRef := blob.ImageKey(jobID, ext)
	if err = s.blobs.Put(ctx, imageRef, req.Image, contentType); err != nil {
		s.logger.Error("image_store_failed", "job_id", jobID, "error", err)
		return nil, fmt.Errorf("%w: store image: %v", ErrStorage, err)
	}

	job := &models.Job{
		ID:          jobID,
		Status:      models.JobStatusPending,
		ImageRef:    imageRef,
		ImageSHA256: fingerprint(req.Image),
		Weight:      req.Weight,
		TopK:        topK,
		EnqueuedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err = s.store.CreateJob(ctx, job); err != nil {
		s.logger.Error("job_create_failed", "job_id", jobID, "error", err)
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), imageRef); delErr != nil {
			s.logger.Warn("image_cleanup_failed", "job_id", jobID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: create job: %v", ErrStorage, err)
	}

	if err = s.publish(ctx, jobID); err != nil {
		s.logger.Error("job_publish_failed", "job_id", jobID, "error", err)
		failErr := s.store.FailJob(context.WithoutCancel(ctx), jobID, "", models.ErrorCodeQueueUnavailable,
			truncateString("enqueue job: "+err.Error(), 500))
		if failErr != nil {
			s.logger.Error("job_fail_write_failed", "job_id", jobID, "error", failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.Info("job_queued",
		"job_id", jobID,
		"image_sha256", job.ImageSHA256,
		"weight_kg", job.Weight,
		"top_k", topK,
	)
	return job, nil
}

func (s *Service) topK(requested int) (int, error) {
	switch {
	case requested == 0:
		return s.opts.DefaultTopK, nil
	case requested < 0:
		return 0, fmt.Errorf("%w: top_k must be at least 1", ErrValidation)
	case requested > s.opts.MaxTopK:
		return s.opts.MaxTopK, nil
	default:
		return requested, nil
	}
}

// reserve claims an idempotency key for jobID. When the key is already held
// by a stored job, that job is returned instead. Cache outages degrade to a
// plain submission.
func (s *Service) reserve(ctx context.Context, key string, jobID uuid.UUID) (*models.Job, bool, error) {
	ck := cache.IdempotencyKey(key)
	ok, err := s.cache.SetNX(ctx, ck, []byte(jobID.String()), s.opts.IdempotencyTTL)
	if err != nil {
		s.logger.Warn("idempotency_unavailable", "error", err)
		return nil, false, nil
	}
	if ok {
		return nil, true, nil
	}

	raw, found, err := s.cache.Get(ctx, ck)
	if err != nil || !found {
		s.logger.Warn("idempotency_lookup_failed", "key", key, "error", err)
		return nil, false, nil
	}
	prior, err := uuid.ParseBytes(raw)
	if err != nil {
		return nil, false, nil
	}
	job, err := s.store.GetJob(ctx, prior)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrDuplicateSubmission
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return job, false, nil
}

func (s *Service) publish(ctx context.Context, jobID uuid.UUID) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.opts.PublishTimeout
	return backoff.Retry(func() error {
		err := s.queue.Publish(ctx, jobID)
		if errors.Is(err, queue.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// GetStatus returns the job as last written by any component.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return job, nil
}

// Confirm records the label a human accepted for a done job. Repeated calls
// overwrite the confirmed label; the prediction itself is never touched.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, label string) (*models.Job, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("%w: label is required", ErrValidation)
	}
	if len(label) > maxLabelLen {
		return nil, fmt.Errorf("%w: label exceeds %d characters", ErrValidation, maxLabelLen)
	}

	job, err := s.store.ConfirmJob(ctx, id, label)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, store.ErrJobNotDone):
		return nil, fmt.Errorf("%w: only done jobs can be confirmed", ErrInvalidState)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.logger.Info("label_confirmed",
		"job_id", id,
		"predicted_label", job.PredictedLabel,
		"confirmed_label", label,
	)
	return job, nil
}

// ListJobs returns one page of job history, newest first, and the total match
// count.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Limit < 0 || filter.Limit > 500 {
		return nil, 0, fmt.Errorf("%w: limit must be between 1 and 500", ErrValidation)
	}
	if filter.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return nil, 0, fmt.Errorf("%w: from must not be after to", ErrValidation)
	}
	if c := filter.MinConfidence; c != nil && (*c < 0 || *c > 1) {
		return nil, 0, fmt.Errorf("%w: min_confidence must be within [0, 1]", ErrValidation)
	}

	jobs, total, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return jobs, total, nil
}

func validStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusDone, models.JobStatusError:
		return true
	}
	return false
}

// ListPrices returns the full price table ordered by label.
func (s *Service) ListPrices(ctx context.Context) ([]*models.PriceEntry, error) {
	prices, err := s.store.ListPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return prices, nil
}
