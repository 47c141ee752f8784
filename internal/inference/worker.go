package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/blob"
	"github.com/timamz/SmartScale/internal/pricing"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

// Outcome tells the consumer what to do with the message that carried a job.
type Outcome int

const (
	// Ack removes the message. The job is terminal, owned elsewhere or gone.
	Ack Outcome = iota
	// Requeue puts the message back for another attempt.
	Requeue
)

// WorkerOptions configures a Processor.
type WorkerOptions struct {
	ID                  string
	InferenceTimeout    time.Duration
	ClaimLease          time.Duration
	PersistRetries      int
	PersistBackoff      time.Duration
	ConfidenceThreshold float64
	// DefaultModel is used when the registry row is missing.
	DefaultModel models.ModelRef
}

// Processor runs one job from claim to a terminal write.
type Processor struct {
	store      store.Store
	blobs      blob.Store
	classifier models.Classifier
	opts       WorkerOptions
	logger     *slog.Logger
}

// NewProcessor creates a new Processor.
func NewProcessor(st store.Store, blobs blob.Store, cl models.Classifier, opts WorkerOptions, logger *slog.Logger) *Processor {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()[:8]
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 30 * time.Second
	}
	if opts.ClaimLease <= opts.InferenceTimeout {
		opts.ClaimLease = 2 * opts.InferenceTimeout
	}
	if opts.PersistRetries < 0 {
		opts.PersistRetries = 0
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      st,
		blobs:      blobs,
		classifier: cl,
		opts:       opts,
		logger:     logger.With("worker_id", opts.ID),
	}
}

// Process handles one delivery of jobID. Redelivery of a job that already
// reached a terminal state changes nothing.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job_panic", "job_id", jobID, "error", r)
			err := p.store.FailJob(ctx, jobID, p.opts.ID, models.ErrorCodeInternal,
				truncateString(fmt.Sprintf("panic: %v", r), 500))
			if err != nil && !isWriteConflict(err) {
				outcome = Requeue
				return
			}
			outcome = Ack
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("job_missing", "job_id", jobID)
		return Ack
	}
	if err != nil {
		p.logger.Error("job_load_failed", "job_id", jobID, "error", err)
		return Requeue
	}
	if models.IsTerminal(job.Status) {
		p.logger.Debug("job_skipped", "job_id", jobID, "status", job.Status)
		return Ack
	}

	// Read fresh for every job so a reload takes effect on the next one.
	ref, err := p.activeModel(ctx)
	if err != nil {
		p.logger.Error("registry_unavailable", "job_id", jobID, "error", err)
		return Requeue
	}

	job, err = p.store.ClaimJob(ctx, jobID, p.opts.ID, p.opts.ClaimLease)
	switch {
	case errors.Is(err, store.ErrJobClaimed), errors.Is(err, store.ErrJobTerminal), errors.Is(err, store.ErrNotFound):
		p.logger.Debug("job_skipped", "job_id", jobID, "reason", err.Error())
		return Ack
	case err != nil:
		p.logger.Error("job_claim_failed", "job_id", jobID, "error", err)
		return Requeue
	}
	started := time.Now()
	p.logger.Info("job_claimed", "job_id", jobID, "attempt", job.Attempts, "model", ref.String())

	image, err := p.loadImage(ctx, job.ImageRef)
	if err != nil {
		code := models.ErrorCodeStorage
		if errors.Is(err, blob.ErrNotFound) {
			code = models.ErrorCodeInputUnavailable
		}
		return p.fail(ctx, job, code, err, ref, started)
	}

	result, err := p.classify(ctx, ref, image, job.TopK)
	if err == nil {
		err = validateClassification(&result, job.TopK)
	}
	if err != nil {
		return p.fail(ctx, job, errorCode(err), err, ref, started)
	}

	pred, err := p.persist(ctx, job, ref, result, started)
	if err != nil {
		if isWriteConflict(err) {
			p.logger.Warn("job_claim_lost", "job_id", jobID, "error", err)
			return Ack
		}
		return p.fail(ctx, job, models.ErrorCodeStorage, err, ref, started)
	}

	p.logger.Info("job_completed",
		"job_id", jobID,
		"label", pred.Label,
		"confidence", pred.Confidence,
		"needs_review", pred.NeedsReview,
		"price_per_unit", pred.PricePerUnit,
		"total_price", pred.TotalPrice,
		"model_id", ref.ID,
		"model_revision", ref.Revision,
		"latency_ms", pred.LatencyMs,
	)
	return Ack
}

type classifyResult struct {
	result    models.Classification
	err       error
	recovered any
}

// classify bounds the backend call by InferenceTimeout whether or not the
// backend watches ctx. A call that overruns is abandoned and keeps running
// until the backend returns.
func (p *Processor) classify(ctx context.Context, ref models.ModelRef, image []byte, topK int) (models.Classification, error) {
	inferCtx, cancel := context.WithTimeout(ctx, p.opts.InferenceTimeout)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- classifyResult{recovered: r}
			}
		}()
		result, err := p.classifier.Classify(inferCtx, ref, image, topK)
		done <- classifyResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		if res.recovered != nil {
			panic(res.recovered)
		}
		return res.result, res.err
	case <-inferCtx.Done():
		if errors.Is(inferCtx.Err(), context.DeadlineExceeded) {
			return models.Classification{}, fmt.Errorf("%w: no result from %s within %s",
				models.ErrInferenceTimeout, ref, p.opts.InferenceTimeout)
		}
		return models.Classification{}, inferCtx.Err()
	}
}

func (p *Processor) activeModel(ctx context.Context) (models.ModelRef, error) {
	var ref models.ModelRef
	err := p.retry(ctx, func() error {
		reg, err := p.store.GetActiveModel(ctx)
		if errors.Is(err, store.ErrNotFound) && p.opts.DefaultModel.ID != "" {
			ref = p.opts.DefaultModel
			return nil
		}
		if err != nil {
			return err
		}
		ref = reg.Ref()
		return nil
	})
	return ref, err
}

func (p *Processor) loadImage(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.retry(ctx, func() error {
		var err error
		data, err = p.blobs.Get(ctx, key)
		if errors.Is(err, blob.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	return data, err
}

// persist prices the prediction and writes it. Storage errors are retried;
// losing the claim is not.
func (p *Processor) persist(ctx context.Context, job *models.Job, ref models.ModelRef, result models.Classification, started time.Time) (*models.Prediction, error) {
	pred := &models.Prediction{
		Label:         result.Label,
		Confidence:    result.Confidence,
		TopK:          result.TopK,
		NeedsReview:   result.Confidence < p.opts.ConfidenceThreshold,
		ModelID:       ref.ID,
		ModelRevision: ref.Revision,
		LatencyMs:     time.Since(started).Milliseconds(),
	}

	err := p.retry(ctx, func() error {
		var price *float64
		entry, err := p.store.GetPrice(ctx, result.Label)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("lookup price: %w", err)
		default:
			price = &entry.PricePerUnit
		}
		pred.PricePerUnit, pred.TotalPrice = pricing.Resolve(price, job.Weight)

		err = p.store.CompleteJob(ctx, job.ID, p.opts.ID, pred)
		if isWriteConflict(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			p.logger.Warn("job_persist_retry", "job_id", job.ID, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return pred, nil
}

// fail records a terminal error. If even that write fails the message is
// requeued and the claim lease decides who retries.
func (p *Processor) fail(ctx context.Context, job *models.Job, code string, cause error, ref models.ModelRef, started time.Time) Outcome {
	latency := time.Since(started).Milliseconds()
	p.logger.Error("job_error",
		"job_id", job.ID,
		"error_code", code,
		"error", cause,
		"model_id", ref.ID,
		"model_revision", ref.Revision,
		"latency_ms", latency,
	)

	err := p.retry(ctx, func() error {
		err := p.store.FailJob(ctx, job.ID, p.opts.ID, code, truncateString(cause.Error(), 500),
			store.WithModel(ref), store.WithLatency(latency))
		if isWriteConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil || isWriteConflict(err) {
		return Ack
	}
	p.logger.Error("job_fail_write_failed", "job_id", job.ID, "error", err)
	return Requeue
}

func (p *Processor) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.PersistBackoff
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.PersistRetries)), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// isWriteConflict reports a guarded write that lost to another writer. The
// job is someone else's to finish.
func isWriteConflict(err error) bool {
	return errors.Is(err, store.ErrClaimLost) || errors.Is(err, store.ErrJobTerminal) ||
		errors.Is(err, store.ErrNotFound)
}

// validateClassification enforces the classifier contract and trims the
// ranking to topK.
func validateClassification(c *models.Classification, topK int) error {
	if c.Label == "" {
		return fmt.Errorf("%w: empty label", models.ErrInvalidResponse)
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", models.ErrInvalidResponse, c.Confidence)
	}
	if len(c.TopK) == 0 {
		c.TopK = []models.LabelScore{{Label: c.Label, Confidence: c.Confidence}}
	}
	sort.SliceStable(c.TopK, func(i, j int) bool { return c.TopK[i].Confidence > c.TopK[j].Confidence })
	if c.TopK[0].Label != c.Label {
		return fmt.Errorf("%w: top label %q does not match %q", models.ErrInvalidResponse, c.TopK[0].Label, c.Label)
	}
	if topK > 0 && len(c.TopK) > topK {
		c.TopK = c.TopK[:topK]
	}
	return nil
}
