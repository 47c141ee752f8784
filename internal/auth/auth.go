// Package auth resolves API keys to principals and checks capabilities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// ScopeAdmin grants model reload, price and key management.
const ScopeAdmin = "admin"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Principal is the caller behind a request or CLI invocation.
type Principal struct {
	KeyID  uuid.UUID
	Name   string
	Prefix string
	Scopes []string
}

func (p Principal) Has(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Operator is the principal used by the command-line tool, which runs with
// direct database access.
func Operator() Principal {
	return Principal{Name: "operator", Scopes: []string{ScopeAdmin}}
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Require checks that ctx carries a principal holding scope.
func Require(ctx context.Context, scope string) error {
	p, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !p.Has(scope) {
		return fmt.Errorf("%w: missing scope %q", ErrForbidden, scope)
	}
	return nil
}

// Authenticator verifies raw API keys against stored bcrypt hashes.
type Authenticator struct {
	keys   store.KeyStore
	logger *slog.Logger
}

func NewAuthenticator(keys store.KeyStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{keys: keys, logger: logger}
}

// Authenticate returns the principal for rawKey or ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Principal, error) {
	if len(rawKey) < KeyPrefixLen {
		return Principal{}, ErrUnauthenticated
	}
	prefix := rawKey[:KeyPrefixLen]

	keys, err := a.keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return Principal{}, fmt.Errorf("lookup api key: %w", err)
	}

	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
			continue
		}
		// Update last_used_at async
		go func(id uuid.UUID) {
			if err := a.keys.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				a.logger.Warn("api_key_touch_failed", "key_id", id, "error", err)
			}
		}(key.ID)
		return Principal{KeyID: key.ID, Name: key.Name, Prefix: prefix, Scopes: key.Scopes}, nil
	}
	return Principal{}, ErrUnauthenticated
}
