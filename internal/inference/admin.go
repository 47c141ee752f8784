package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/auth"
	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
)

// requireAdmin maps auth failures onto service errors.
func requireAdmin(ctx context.Context) error {
	err := auth.Require(ctx, auth.ScopeAdmin)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrUnauthenticated):
		return ErrUnauthenticated
	default:
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
}

// ActiveModel returns the registry row workers will read for their next job.
func (s *Service) ActiveModel(ctx context.Context) (*models.ModelRegistry, error) {
	reg, err := s.store.GetActiveModel(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return reg, nil
}

// ReloadModel switches the active model identity. An empty field keeps its
// current value. The next job any worker starts after this returns uses the
// new identity; jobs already running finish on the old one.
func (s *Service) ReloadModel(ctx context.Context, ref models.ModelRef) (*models.ModelRegistry, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	ref.ID = strings.TrimSpace(ref.ID)
	ref.Revision = strings.TrimSpace(ref.Revision)
	if ref.ID == "" && ref.Revision == "" {
		return nil, fmt.Errorf("%w: model_id or model_revision is required", ErrValidation)
	}

	var previous models.ModelRef
	if cur, err := s.store.GetActiveModel(ctx); err == nil {
		previous = cur.Ref()
	}

	reg, err := s.store.ReloadModel(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	p, _ := auth.FromContext(ctx)
	s.logger.Info("model_reloaded",
		"previous", previous.String(),
		"model_id", reg.ModelID,
		"model_revision", reg.ModelRevision,
		"by", p.Name,
	)
	return reg, nil
}

// SetPrice creates or replaces the price for label.
func (s *Service) SetPrice(ctx context.Context, label string, pricePerUnit float64) (*models.PriceEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" || len(label) > maxLabelLen {
		return nil, fmt.Errorf("%w: label must be 1 to %d characters", ErrValidation, maxLabelLen)
	}
	if math.IsNaN(pricePerUnit) || math.IsInf(pricePerUnit, 0) || pricePerUnit < 0 {
		return nil, fmt.Errorf("%w: price_per_unit must be a non-negative number", ErrValidation)
	}

	entry, err := s.store.UpsertPrice(ctx, label, pricePerUnit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.logger.Info("price_updated", "label", label, "price_per_unit", pricePerUnit)
	return entry, nil
}

// CreateKey issues a new API key. The raw key is only ever returned here.
func (s *Service) CreateKey(ctx context.Context, name string, scopes []string) (*models.APIKey, string, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	for _, sc := range scopes {
		if sc != auth.ScopeAdmin {
			return nil, "", fmt.Errorf("%w: unknown scope %q", ErrValidation, sc)
		}
	}

	key, raw, err := auth.IssueKey(ctx, s.store, name, scopes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.logger.Info("api_key_created", "key_id", key.ID, "name", name, "prefix", key.KeyPrefix)
	return key, raw, nil
}

func (s *Service) ListKeys(ctx context.Context) ([]*models.APIKey, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return keys, nil
}

func (s *Service) RevokeKey(ctx context.Context, id uuid.UUID) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	err := s.store.RevokeAPIKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.logger.Info("api_key_revoked", "key_id", id)
	return nil
}

// Bootstrap seeds the registry with the configured default model when it is
// empty and registers the configured admin token, if any.
func (s *Service) Bootstrap(ctx context.Context, model config.ModelConfig, authCfg config.AuthConfig) error {
	reg, err := s.store.EnsureActiveModel(ctx, models.ModelRef{ID: model.DefaultID, Revision: model.DefaultRevision})
	if err != nil {
		return fmt.Errorf("seed model registry: %w", err)
	}
	s.logger.Info("model_registry_ready", "model_id", reg.ModelID, "model_revision", reg.ModelRevision)

	if authCfg.AdminToken == "" {
		return nil
	}
	created, err := auth.SeedKey(ctx, s.store, "bootstrap-admin", authCfg.AdminToken, []string{auth.ScopeAdmin})
	if err != nil {
		return fmt.Errorf("seed admin key: %w", err)
	}
	if created {
		s.logger.Info("admin_key_seeded")
	}
	return nil
}

// Health pings every backing dependency and returns the failures by name.
func (s *Service) Health(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		"database": s.store.Ping,
		"queue":    s.queue.Ping,
		"blob":     s.blobs.Ping,
	}
	if s.cache != nil {
		checks["cache"] = s.cache.Ping
	}
	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check(ctx)
	}
	return results
}
