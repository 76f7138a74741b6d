// Package tokens resolves the PRAL bearer token a business uses for an
// environment, caching validated tokens until they near expiry.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

const (
	// ExpiryBuffer is how long before expiry a token is considered unusable.
	ExpiryBuffer = 5 * time.Minute
	// MinTokenLength rejects obviously truncated tokens.
	MinTokenLength = 20
	// DefaultCacheTTL bounds how long a validated token is served from cache.
	DefaultCacheTTL = 15 * time.Minute
)

// CredentialStore loads and annotates business credentials.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, businessID int64) (invoicing.Credentials, error)
	MarkTokenValidated(ctx context.Context, businessID int64, env fbr.Environment, at time.Time) error
}

// Resolver hands out validated tokens. Concurrent refreshes for the same
// business and environment share one store round trip.
type Resolver struct {
	store  CredentialStore
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// NewResolver constructs a Resolver. A nil cache gets a MemoryCache.
func NewResolver(store CredentialStore, cache Cache, ttl time.Duration, logger *slog.Logger) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "fbr.tokens")),
		now:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Resolver) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

// GetValidToken returns a usable token or an *fbr.AuthError.
func (r *Resolver) GetValidToken(ctx context.Context, businessID int64, env fbr.Environment) (string, error) {
	if !env.Valid() {
		return "", &fbr.AuthError{Environment: env, Reason: "unknown environment"}
	}
	key := cacheKey(businessID, env)
	now := r.now()
	if entry, ok := r.cache.Get(key); ok {
		if now.Before(entry.StaleAt) && !expiringSoon(entry.ExpiresAt, now) {
			return entry.Token, nil
		}
		r.cache.Delete(key)
	}

	resultCh := r.group.DoChan(key, func() (interface{}, error) {
		return r.refresh(context.WithoutCancel(ctx), businessID, env)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token, e.g. after the authority answered 401.
func (r *Resolver) Invalidate(businessID int64, env fbr.Environment) {
	r.cache.Delete(cacheKey(businessID, env))
}

func (r *Resolver) refresh(ctx context.Context, businessID int64, env fbr.Environment) (string, error) {
	creds, err := r.store.LoadCredentials(ctx, businessID)
	if err != nil {
		if errors.Is(err, invoicing.ErrBusinessNotFound) {
			return "", &fbr.AuthError{Environment: env, Reason: "business not found", Err: err}
		}
		return "", err
	}
	token := strings.TrimSpace(creds.Tokens[env])
	expiresAt := creds.ExpiresAt[env]
	now := r.now()

	switch {
	case token == "":
		return "", &fbr.AuthError{Environment: env, Reason: "token not configured"}
	case len(token) < MinTokenLength:
		return "", &fbr.AuthError{Environment: env, Reason: "token malformed"}
	case expiringSoon(expiresAt, now):
		return "", &fbr.AuthError{Environment: env, Reason: "token expired or expiring"}
	}

	if err := r.store.MarkTokenValidated(ctx, businessID, env, now); err != nil {
		r.logger.Warn("record token validation failed",
			slog.Int64("business_id", businessID),
			slog.String("environment", env.String()),
			slog.Any("error", err))
	}

	staleAt := now.Add(r.ttl)
	if expiresAt != nil {
		if limit := expiresAt.Add(-ExpiryBuffer); limit.Before(staleAt) {
			staleAt = limit
		}
	}
	r.cache.Set(cacheKey(businessID, env), Entry{
		Token:     token,
		ExpiresAt: expiresAt,
		CachedAt:  now,
		StaleAt:   staleAt,
	})
	return token, nil
}

func expiringSoon(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return !now.Add(ExpiryBuffer).Before(*expiresAt)
}
