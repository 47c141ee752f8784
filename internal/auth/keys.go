package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/store"
	"github.com/timamz/SmartScale/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is how many leading characters of a raw key are stored in
// clear for lookup.
const KeyPrefixLen = 8

const rawKeyPrefix = "ss_"

// GenerateKey returns a new random raw API key.
func GenerateKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(buf), nil
}

// NewAPIKey hashes rawKey and builds the record to store. The raw key itself
// is never persisted.
func NewAPIKey(name, rawKey string, scopes []string) (*models.APIKey, error) {
	if len(rawKey) < KeyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	if scopes == nil {
		scopes = []string{}
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IssueKey generates, stores and returns a new key. The raw value is only
// available in the return value.
func IssueKey(ctx context.Context, keys store.KeyStore, name string, scopes []string) (*models.APIKey, string, error) {
	raw, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	key, err := NewAPIKey(name, raw, scopes)
	if err != nil {
		return nil, "", err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	return key, raw, nil
}

// SeedKey stores rawKey under name unless an active key already matches it.
// Used to register a configured bootstrap token. Reports whether a key was
// created.
func SeedKey(ctx context.Context, keys store.KeyStore, name, rawKey string, scopes []string) (bool, error) {
	if len(rawKey) < KeyPrefixLen {
		return false, fmt.Errorf("bootstrap token must be at least %d characters", KeyPrefixLen)
	}
	existing, err := keys.GetAPIKeyByPrefix(ctx, rawKey[:KeyPrefixLen])
	if err != nil {
		return false, fmt.Errorf("lookup api key: %w", err)
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			return false, nil
		}
	}

	key, err := NewAPIKey(name, rawKey, scopes)
	if err != nil {
		return false, err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return false, nil
		}
		return false, fmt.Errorf("store api key: %w", err)
	}
	return true, nil
}
