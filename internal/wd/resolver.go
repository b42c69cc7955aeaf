package wd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
)

const cacheKeyPrefix = "wd:"

// Resolver maps a runid to its working directory. Positive lookups are
// cached in Redis (WD_CACHE database) with a bounded TTL.
type Resolver struct {
	cache       *redis.Client
	legacyRoot  string
	primaryRoot string
	ttl         time.Duration
	exists      func(string) bool
	logger      arbor.ILogger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithProbe replaces the filesystem existence check.
func WithProbe(exists func(string) bool) ResolverOption {
	return func(r *Resolver) { r.exists = exists }
}

// NewResolver creates a resolver. cache may be nil to disable caching.
func NewResolver(cfg common.PathsConfig, cache *redis.Client, logger arbor.ILogger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:       cache,
		legacyRoot:  cfg.LegacyRoot,
		primaryRoot: cfg.PrimaryRoot,
		ttl:         cfg.CacheTTL(),
		exists:      dirExists,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// PrimaryWD returns <primary_root>/runs/<runid[:2]>/<runid> whether or not it exists.
func (r *Resolver) PrimaryWD(runid string) string {
	prefix := runid
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(r.primaryRoot, "runs", prefix, runid)
}

// LegacyWD returns <legacy_root>/<runid>.
func (r *Resolver) LegacyWD(runid string) string {
	return filepath.Join(r.legacyRoot, runid)
}

// GetWD resolves runid. With preferActive the cache is consulted first;
// without it the filesystem is always probed. Candidates are probed legacy
// first, then primary. When neither exists the primary path is returned
// uncached and callers validate.
func (r *Resolver) GetWD(ctx context.Context, runid string, preferActive bool) (string, error) {
	if err := ValidateRunID(runid); err != nil {
		return "", err
	}

	if preferActive && r.cache != nil {
		path, err := r.cache.Get(ctx, cacheKeyPrefix+runid).Result()
		switch {
		case err == nil && path != "":
			return path, nil
		case err != nil && !errors.Is(err, redis.Nil):
			r.logger.Warn().Err(err).Str("runid", runid).Msg("WD cache lookup failed, probing filesystem")
		}
	}

	for _, candidate := range []string{r.LegacyWD(runid), r.PrimaryWD(runid)} {
		if !r.exists(candidate) {
			continue
		}
		if r.cache != nil {
			if err := r.cache.Set(ctx, cacheKeyPrefix+runid, candidate, r.ttl).Err(); err != nil {
				r.logger.Warn().Err(err).Str("runid", runid).Msg("Failed to cache WD")
			}
		}
		return candidate, nil
	}

	return r.PrimaryWD(runid), nil
}

// Invalidate drops the cached path for runid (used after fork, delete and moves).
func (r *Resolver) Invalidate(ctx context.Context, runid string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, cacheKeyPrefix+runid).Err()
}
