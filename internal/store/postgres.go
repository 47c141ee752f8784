package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timamz/SmartScale/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, status, image_ref, image_sha256, weight_kg, top_k,
	predicted_label, confidence, top_k_results, needs_review, price_per_unit, total_price,
	model_id, model_revision, latency_ms, error_code, error, confirmed_label, confirmed_at,
	claimed_by, attempts, lease_expires_at, enqueued_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.ImageRef, &j.ImageSHA256, &j.Weight, &j.TopK,
		&j.PredictedLabel, &j.Confidence, &j.TopKResults, &j.NeedsReview, &j.PricePerUnit, &j.TotalPrice,
		&j.ModelID, &j.ModelRevision, &j.LatencyMs, &j.ErrorCode, &j.Error, &j.ConfirmedLabel, &j.ConfirmedAt,
		&j.ClaimedBy, &j.Attempts, &j.LeaseExpiresAt, &j.EnqueuedAt, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inference_jobs (id, status, image_ref, image_sha256, weight_kg, top_k, enqueued_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Status, job.ImageRef, job.ImageSHA256, job.Weight, job.TopK,
		job.EnqueuedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"1=1"}
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Label != "" {
		conditions = append(conditions, fmt.Sprintf("predicted_label = $%d", argIdx))
		args = append(args, filter.Label)
		argIdx++
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, filter.To)
		argIdx++
	}
	if filter.MinConfidence != nil {
		conditions = append(conditions, fmt.Sprintf("confidence >= $%d", argIdx))
		args = append(args, *filter.MinConfidence)
		argIdx++
	}
	if filter.NeedsReview != nil {
		conditions = append(conditions, fmt.Sprintf("needs_review = $%d", argIdx))
		args = append(args, *filter.NeedsReview)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM inference_jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM inference_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE inference_jobs
		 SET status = 'processing',
		     claimed_by = $2,
		     attempts = attempts + 1,
		     lease_expires_at = NOW() + make_interval(secs => $3),
		     started_at = COALESCE(started_at, NOW()),
		     updated_at = NOW()
		 WHERE id = $1
		   AND (status = 'pending' OR (status = 'processing' AND lease_expires_at < NOW()))
		 RETURNING `+jobColumns,
		id, workerID, lease.Seconds()))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	status, err := s.jobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(status) {
		return nil, ErrJobTerminal
	}
	return nil, ErrJobClaimed
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, p *models.Prediction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs
		 SET status = 'done',
		     predicted_label = $3,
		     confidence = $4,
		     top_k_results = $5,
		     needs_review = $6,
		     price_per_unit = $7,
		     total_price = $8,
		     model_id = $9,
		     model_revision = $10,
		     latency_ms = $11,
		     lease_expires_at = NULL,
		     completed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		id, workerID, p.Label, p.Confidence, p.TopK, p.NeedsReview, p.PricePerUnit, p.TotalPrice,
		p.ModelID, p.ModelRevision, p.LatencyMs)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.writeConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, workerID, code, message string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdateOptions(opts...)

	query := `UPDATE inference_jobs
		SET status = 'error', error_code = $2, error = $3, lease_expires_at = NULL,
		    completed_at = NOW(), updated_at = NOW()`
	args := []any{id, code, message}
	argIdx := 4

	if params.Model != nil {
		query += fmt.Sprintf(", model_id = $%d, model_revision = $%d", argIdx, argIdx+1)
		args = append(args, params.Model.ID, params.Model.Revision)
		argIdx += 2
	}
	if params.LatencyMs != nil {
		query += fmt.Sprintf(", latency_ms = $%d", argIdx)
		args = append(args, *params.LatencyMs)
		argIdx++
	}

	if workerID == "" {
		query += " WHERE id = $1 AND status = 'pending'"
	} else {
		query += fmt.Sprintf(" WHERE id = $1 AND status = 'processing' AND claimed_by = $%d", argIdx)
		args = append(args, workerID)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.writeConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ConfirmJob(ctx context.Context, id uuid.UUID, label string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE inference_jobs SET confirmed_label = $2, confirmed_at = NOW()
		 WHERE id = $1 AND status = 'done'
		 RETURNING `+jobColumns, id, label))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("confirm job: %w", err)
	}
	if _, err := s.jobStatus(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrJobNotDone
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, enqueuedBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM inference_jobs
		 WHERE (status = 'pending' AND enqueued_at < $1)
		    OR (status = 'processing' AND lease_expires_at < NOW() AND enqueued_at < $1)
		 ORDER BY created_at ASC LIMIT $2`, enqueuedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MarkEnqueued(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET enqueued_at = NOW()
		 WHERE id = ANY($1) AND status IN ('pending', 'processing')`, ids)
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	return nil
}

func (s *PostgresStore) jobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM inference_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

// writeConflict explains why a guarded terminal write matched no row.
func (s *PostgresStore) writeConflict(ctx context.Context, id uuid.UUID) error {
	status, err := s.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminal(status) {
		return ErrJobTerminal
	}
	return ErrClaimLost
}

// --- Model Registry ---

func (s *PostgresStore) GetActiveModel(ctx context.Context) (*models.ModelRegistry, error) {
	var r models.ModelRegistry
	err := s.pool.QueryRow(ctx,
		`SELECT model_id, model_revision, updated_at FROM model_registry WHERE id = 1`,
	).Scan(&r.ModelID, &r.ModelRevision, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active model: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) EnsureActiveModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_registry (id, model_id, model_revision, updated_at)
		 VALUES (1, $1, $2, NOW())
		 ON CONFLICT (id) DO NOTHING`, ref.ID, ref.Revision)
	if err != nil {
		return nil, fmt.Errorf("ensure active model: %w", err)
	}
	return s.GetActiveModel(ctx)
}

func (s *PostgresStore) ReloadModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error) {
	var r models.ModelRegistry
	err := s.pool.QueryRow(ctx,
		`INSERT INTO model_registry (id, model_id, model_revision, updated_at)
		 VALUES (1, $1, $2, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   model_id = COALESCE(NULLIF(EXCLUDED.model_id, ''), model_registry.model_id),
		   model_revision = COALESCE(NULLIF(EXCLUDED.model_revision, ''), model_registry.model_revision),
		   updated_at = NOW()
		 RETURNING model_id, model_revision, updated_at`,
		ref.ID, ref.Revision,
	).Scan(&r.ModelID, &r.ModelRevision, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reload model: %w", err)
	}
	return &r, nil
}

// --- Prices ---

func (s *PostgresStore) GetPrice(ctx context.Context, label string) (*models.PriceEntry, error) {
	var p models.PriceEntry
	err := s.pool.QueryRow(ctx,
		`SELECT label, price_per_unit, updated_at FROM product_prices WHERE label = $1`, label,
	).Scan(&p.Label, &p.PricePerUnit, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPrice(ctx context.Context, label string, pricePerUnit float64) (*models.PriceEntry, error) {
	var p models.PriceEntry
	err := s.pool.QueryRow(ctx,
		`INSERT INTO product_prices (label, price_per_unit, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (label) DO UPDATE SET price_per_unit = EXCLUDED.price_per_unit, updated_at = NOW()
		 RETURNING label, price_per_unit, updated_at`, label, pricePerUnit,
	).Scan(&p.Label, &p.PricePerUnit, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert price: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPrices(ctx context.Context) ([]*models.PriceEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT label, price_per_unit, updated_at FROM product_prices ORDER BY label ASC`)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	prices := []*models.PriceEntry{}
	for rows.Next() {
		var p models.PriceEntry
		if err := rows.Scan(&p.Label, &p.PricePerUnit, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		prices = append(prices, &p)
	}
	return prices, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
