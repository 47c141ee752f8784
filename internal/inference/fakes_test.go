package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/blob"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

// --- store ---

type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	registry *models.ModelRegistry
	prices   map[string]*models.PriceEntry
	keys     map[uuid.UUID]*models.APIKey

	createJobErr   error
	getActiveErr   error
	failJobErr     error
	completeErr    error
	completeFailsN int // CompleteJob fails with completeErr this many times
	completeCalls  int
	illegal        []string // status changes CanTransition rejects
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[uuid.UUID]*models.Job),
		prices: make(map[string]*models.PriceEntry),
		keys:   make(map[uuid.UUID]*models.APIKey),
		registry: &models.ModelRegistry{
			ModelID: "fruit", ModelRevision: "v1", UpdatedAt: time.Now().UTC(),
		},
	}
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.TopKResults != nil {
		c.TopKResults = append([]models.LabelScore(nil), j.TopKResults...)
	}
	return &c
}

// setStatus must be called with mu held.
func (s *memStore) setStatus(j *models.Job, to string) {
	if !models.CanTransition(j.Status, to) {
		s.illegal = append(s.illegal, fmt.Sprintf("%s: %s -> %s", j.ID, j.Status, to))
	}
	j.Status = to
}

func (s *memStore) illegalTransitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.illegal...)
}

func (s *memStore) Ping(_ context.Context) error { return nil }

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	if s.createJobErr != nil {
		return s.createJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *memStore) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, len(out), nil
}

func (s *memStore) ClaimJob(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if models.IsTerminal(j.Status) {
		return nil, store.ErrJobTerminal
	}
	now := time.Now().UTC()
	if j.Status == models.JobStatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now) {
		return nil, store.ErrJobClaimed
	}
	until := now.Add(lease)
	s.setStatus(j, models.JobStatusProcessing)
	j.ClaimedBy = &workerID
	j.Attempts++
	j.LeaseExpiresAt = &until
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// owned must be called with mu held.
func (s *memStore) owned(id uuid.UUID, workerID string) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if models.IsTerminal(j.Status) {
		return nil, store.ErrJobTerminal
	}
	if workerID == "" {
		if j.Status != models.JobStatusPending {
			return nil, store.ErrClaimLost
		}
		return j, nil
	}
	if j.Status != models.JobStatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return nil, store.ErrClaimLost
	}
	return j, nil
}

func (s *memStore) CompleteJob(_ context.Context, id uuid.UUID, workerID string, p *models.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	if s.completeFailsN > 0 {
		s.completeFailsN--
		return s.completeErr
	}
	j, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	label, conf, modelID, rev, lat := p.Label, p.Confidence, p.ModelID, p.ModelRevision, p.LatencyMs
	s.setStatus(j, models.JobStatusDone)
	j.PredictedLabel = &label
	j.Confidence = &conf
	j.TopKResults = append([]models.LabelScore(nil), p.TopK...)
	j.NeedsReview = p.NeedsReview
	j.PricePerUnit = p.PricePerUnit
	j.TotalPrice = p.TotalPrice
	j.ModelID = &modelID
	j.ModelRevision = &rev
	j.LatencyMs = &lat
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *memStore) FailJob(_ context.Context, id uuid.UUID, workerID, code, message string, opts ...store.JobUpdateOption) error {
	if s.failJobErr != nil {
		return s.failJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	u := store.ApplyJobUpdateOptions(opts...)
	now := time.Now().UTC()
	s.setStatus(j, models.JobStatusError)
	j.ErrorCode = &code
	j.Error = &message
	if u.Model != nil {
		modelID, rev := u.Model.ID, u.Model.Revision
		j.ModelID = &modelID
		j.ModelRevision = &rev
	}
	if u.LatencyMs != nil {
		lat := *u.LatencyMs
		j.LatencyMs = &lat
	}
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *memStore) ConfirmJob(_ context.Context, id uuid.UUID, label string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusDone {
		return nil, store.ErrJobNotDone
	}
	now := time.Now().UTC()
	j.ConfirmedLabel = &label
	j.ConfirmedAt = &now
	return cloneJob(j), nil
}

func (s *memStore) ListStaleJobs(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var ids []uuid.UUID
	for id, j := range s.jobs {
		if !j.EnqueuedAt.Before(before) {
			continue
		}
		expired := j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
		if j.Status == models.JobStatusPending || (j.Status == models.JobStatusProcessing && expired) {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *memStore) MarkEnqueued(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && !models.IsTerminal(j.Status) {
			j.EnqueuedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *memStore) GetActiveModel(_ context.Context) (*models.ModelRegistry, error) {
	if s.getActiveErr != nil {
		return nil, s.getActiveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry == nil {
		return nil, store.ErrNotFound
	}
	r := *s.registry
	return &r, nil
}

func (s *memStore) EnsureActiveModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error) {
	s.mu.Lock()
	if s.registry == nil {
		s.registry = &models.ModelRegistry{ModelID: ref.ID, ModelRevision: ref.Revision, UpdatedAt: time.Now().UTC()}
	}
	s.mu.Unlock()
	return s.GetActiveModel(ctx)
}

func (s *memStore) ReloadModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error) {
	s.mu.Lock()
	if s.registry == nil {
		s.registry = &models.ModelRegistry{}
	}
	if ref.ID != "" {
		s.registry.ModelID = ref.ID
	}
	if ref.Revision != "" {
		s.registry.ModelRevision = ref.Revision
	}
	s.registry.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	return s.GetActiveModel(ctx)
}

func (s *memStore) GetPrice(_ context.Context, label string) (*models.PriceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[label]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *memStore) UpsertPrice(_ context.Context, label string, ppu float64) (*models.PriceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.PriceEntry{Label: label, PricePerUnit: ppu, UpdatedAt: time.Now().UTC()}
	s.prices[label] = p
	c := *p
	return &c, nil
}

func (s *memStore) ListPrices(_ context.Context) ([]*models.PriceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PriceEntry, 0, len(s.prices))
	for _, p := range s.prices {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Label < out[b].Label })
	return out, nil
}

func (s *memStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *memStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.RevokedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.RevokedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	return nil
}

// setJob overwrites a stored job directly, bypassing transition rules.
func (s *memStore) setJob(j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = cloneJob(j)
}

var _ store.Store = (*memStore)(nil)

// --- blobs ---

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (b *memBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return data, nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlobs) Ping(_ context.Context) error { return nil }

func (b *memBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

// --- cache ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(_ context.Context) error { return c.err }

func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- helpers ---

var errTransient = errors.New("connection reset by peer")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 250, G: 220, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func floatPtr(f float64) *float64 { return &f }
