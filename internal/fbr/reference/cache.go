// Package reference serves PRAL lookup lists (provinces, UoM, HS codes...)
// from a versioned Redis cache.
package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
)

const (
	versionKey = "fbr:reference:version"
	// DefaultTTL is the staleness bound of cached reference lists.
	DefaultTTL = 24 * time.Hour
)

// Fetcher loads reference lists from the authority.
type Fetcher interface {
	GetReferenceData(ctx context.Context, kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error)
}

// Cache wraps Redis caching of reference lists.
type Cache struct {
	client  *redis.Client
	fetcher Fetcher
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCache instantiates the cache. A nil client disables caching.
func NewCache(client *redis.Client, fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, fetcher: fetcher, ttl: ttl, logger: logger.With(slog.String("component", "fbr.reference"))}
}

// Get returns the list for kind, loading it from the authority on a miss.
func (c *Cache) Get(ctx context.Context, kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error) {
	if c.client == nil {
		return c.fetcher.GetReferenceData(ctx, kind, params)
	}
	key, err := c.key(ctx, kind, params)
	if err != nil {
		c.logger.Warn("reference cache unavailable", slog.Any("error", err))
		return c.fetcher.GetReferenceData(ctx, kind, params)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err == nil {
			return items, nil
		}
		c.logger.Warn("discarding undecodable cache entry", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("reference cache read failed", slog.String("key", key), slog.Any("error", err))
		return c.fetcher.GetReferenceData(ctx, kind, params)
	}
	return c.load(ctx, key, kind, params)
}

// Refresh reloads every parameterless list and stores it under the current
// version. It returns the number of items cached per kind.
func (c *Cache) Refresh(ctx context.Context) (map[pral.ReferenceKind]int, error) {
	counts := make(map[pral.ReferenceKind]int)
	var errs []error
	for _, kind := range pral.ReferenceKinds() {
		if RequiresParams(kind) {
			continue
		}
		var (
			items []json.RawMessage
			err   error
		)
		if c.client == nil {
			items, err = c.fetcher.GetReferenceData(ctx, kind, nil)
		} else {
			var key string
			key, err = c.key(ctx, kind, nil)
			if err == nil {
				items, err = c.load(ctx, key, kind, nil)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		counts[kind] = len(items)
	}
	return counts, errors.Join(errs...)
}

// Bump invalidates all cached lists by moving to a new key version.
func (c *Cache) Bump(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	return c.client.Incr(ctx, versionKey).Result()
}

// RequiresParams reports whether kind needs query parameters and therefore
// cannot be pre-warmed.
func RequiresParams(kind pral.ReferenceKind) bool {
	switch kind {
	case pral.KindHSUnits, pral.KindSaleTypeToRate, pral.KindSROSchedule:
		return true
	default:
		return false
	}
}

func (c *Cache) load(ctx context.Context, key string, kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error) {
	items, err := c.fetcher.GetReferenceData(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("reference cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return items, nil
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey).Int64()
	}
	return ver, err
}

func (c *Cache) key(ctx context.Context, kind pral.ReferenceKind, params url.Values) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", fmt.Errorf("reference: cache version: %w", err)
	}
	parts := []string{"fbr", "reference", fmt.Sprintf("v%d", ver), string(kind)}
	if encoded := params.Encode(); encoded != "" {
		parts = append(parts, encoded)
	}
	return strings.Join(parts, ":"), nil
}
