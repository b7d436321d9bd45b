// Package tenant maps API credentials onto tenants.
package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/google/uuid"
)

// KeyPrefix marks keys issued by GenerateKey.
const KeyPrefix = "fin_"

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("GenerateKey: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// Resolver resolves API keys to active tenants, consulting a cache first.
type Resolver struct {
	repo  store.TenantRepository
	cache Cache
	ttl   time.Duration
}

// NewResolver creates a Resolver. A nil cache disables caching.
func NewResolver(repo store.TenantRepository, cache Cache, ttl time.Duration) *Resolver {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Resolver{repo: repo, cache: cache, ttl: ttl}
}

// Resolve returns the tenant owning apiKey. A missing key is an
// unauthenticated error; an unknown or inactive key is forbidden.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperrors.Unauthenticated("missing API key")
	}
	log := logger.FromContext(ctx)
	hash := HashKey(apiKey)

	t, ok, err := r.cache.Get(ctx, hash)
	if err != nil {
		log.Warn().Err(err).Msg("Tenant cache read failed")
	}
	if !ok {
		t, err = r.repo.GetTenantByKeyHash(ctx, hash)
		if apperrors.IsNotFound(err) {
			return nil, apperrors.Forbidden("tenant cannot be resolved from credentials")
		}
		if err != nil {
			return nil, fmt.Errorf("Resolve: %w", err)
		}
		if err := r.cache.Set(ctx, hash, t, r.ttl); err != nil {
			log.Warn().Err(err).Msg("Tenant cache write failed")
		}
	}

	if !t.Active {
		return nil, apperrors.Forbidden("tenant is inactive")
	}
	return t, nil
}

// Create registers a tenant and returns it with its plaintext API key. Only
// the key hash is stored.
func Create(ctx context.Context, repo store.TenantRepository, name string) (*domain.Tenant, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", apperrors.Validationf("tenant name is required")
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	t := &domain.Tenant{
		ID:         uuid.NewString(),
		Name:       name,
		APIKeyHash: HashKey(key),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.CreateTenant(ctx, t); err != nil {
		return nil, "", fmt.Errorf("Create: %w", err)
	}
	return t, key, nil
}

type contextKey struct{}

// WithTenant stores the resolved tenant in ctx.
func WithTenant(ctx context.Context, t *domain.Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant stored by WithTenant.
func FromContext(ctx context.Context) (*domain.Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*domain.Tenant)
	return t, ok && t != nil
}

// IDFromContext returns the tenant id in ctx, or an AuthorizationError when
// the request was never authenticated.
func IDFromContext(ctx context.Context) (string, error) {
	t, ok := FromContext(ctx)
	if !ok {
		return "", apperrors.Unauthenticated("request is not authenticated")
	}
	return t.ID, nil
}
