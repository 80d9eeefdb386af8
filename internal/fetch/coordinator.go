package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hrvstr/hrvstr-go/internal/cache"
	apperrors "github.com/hrvstr/hrvstr-go/internal/errors"
	"github.com/hrvstr/hrvstr-go/internal/metrics"
	"github.com/hrvstr/hrvstr-go/internal/ratelimit"
)

// Func produces the value for a cache key by calling the upstream provider.
// It is the only operation expected to block for non-trivial time.
type Func func(ctx context.Context) (any, error)

// Options control a single GetOrFetch call.
type Options struct {
	TTL          time.Duration
	StaleTTL     time.Duration
	ForceRefresh bool
}

// Result carries the value plus how it was obtained.
type Result struct {
	Value     any
	FromCache bool
	Stale     bool
}

// Coordinator implements cached, deduplicated, rate-limited access to
// expensive upstream fetches. For N concurrent callers with the same key the
// upstream fetch runs exactly once; stale entries are served immediately
// while a background refresh runs; a saturated rate-limit bucket or a failed
// fetch falls back to whatever cached value still exists.
type Coordinator struct {
	cache   *cache.Store
	limiter *ratelimit.Limiter
	group   singleflight.Group
	log     zerolog.Logger
}

// NewCoordinator wires a coordinator over the given cache and limiter.
func NewCoordinator(cacheStore *cache.Store, limiter *ratelimit.Limiter, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cache:   cacheStore,
		limiter: limiter,
		log:     logger,
	}
}

// Cache exposes the underlying store for admin operations.
func (c *Coordinator) Cache() *cache.Store { return c.cache }

// Limiter exposes the underlying rate limiter.
func (c *Coordinator) Limiter() *ratelimit.Limiter { return c.limiter }

// GetOrFetch returns the value for key, fetching from upstream only when no
// fresh cached entry exists. resource names the rate-limit bucket charged by
// the fetch.
func (c *Coordinator) GetOrFetch(ctx context.Context, key, resource string, fn Func, opts Options) (Result, error) {
	if !opts.ForceRefresh {
		value, state := c.cache.Lookup(key)
		switch state {
		case cache.Fresh:
			metrics.CacheHits.WithLabelValues("fresh").Inc()
			return Result{Value: value, FromCache: true}, nil
		case cache.Stale:
			metrics.CacheHits.WithLabelValues("stale").Inc()
			c.refreshInBackground(ctx, key, resource, fn, opts)
			return Result{Value: value, FromCache: true, Stale: true}, nil
		}
		metrics.CacheMisses.Inc()
	}

	if c.limiter.Limited(resource) {
		return c.limitedFallback(key, resource)
	}

	value, err, shared := c.group.Do(key, func() (any, error) {
		// Re-check under the flight slot: the bucket may have saturated
		// between the check above and winning the slot.
		if !c.limiter.Allow(resource) {
			return nil, c.rateLimitError(resource)
		}

		fetched, fetchErr := fn(ctx)
		if fetchErr != nil {
			metrics.UpstreamFetches.WithLabelValues(resource, "error").Inc()
			return nil, fetchErr
		}
		metrics.UpstreamFetches.WithLabelValues(resource, "ok").Inc()
		c.cache.Set(key, fetched, opts.TTL, opts.StaleTTL)
		return fetched, nil
	})
	if shared {
		metrics.DedupedRequests.Inc()
	}
	if err != nil {
		if apperrors.IsRateLimited(err) {
			return c.limitedFallback(key, resource)
		}
		// Serve any surviving cached value over propagating the failure.
		if stale, ok := c.cache.Peek(key); ok {
			metrics.StaleServes.Inc()
			c.log.Warn().Str("key", key).Str("resource", resource).Err(err).
				Msg("upstream fetch failed, serving cached fallback")
			return Result{Value: stale, FromCache: true, Stale: true}, nil
		}
		return Result{}, apperrors.NewUpstreamError(resource, key, err)
	}

	return Result{Value: value}, nil
}

// refreshInBackground re-enters GetOrFetch detached from the caller so a
// stale read does not block on the upstream. The re-entry goes through the
// same flight group, so a foreground miss and a background refresh for the
// same key never both hit the upstream.
func (c *Coordinator) refreshInBackground(ctx context.Context, key, resource string, fn Func, opts Options) {
	refreshOpts := opts
	refreshOpts.ForceRefresh = true

	detached := context.WithoutCancel(ctx)
	go func() {
		if _, err := c.GetOrFetch(detached, key, resource, fn, refreshOpts); err != nil {
			c.log.Warn().Str("key", key).Str("resource", resource).Err(err).
				Msg("background cache refresh failed")
		}
	}()
}

// limitedFallback serves any cached value, even expired, when the bucket is
// saturated; with nothing cached the rate-limit error propagates.
func (c *Coordinator) limitedFallback(key, resource string) (Result, error) {
	metrics.RateLimitRejections.WithLabelValues(resource).Inc()
	if value, ok := c.cache.Peek(key); ok {
		metrics.StaleServes.Inc()
		c.log.Debug().Str("key", key).Str("resource", resource).
			Msg("rate limited, serving cached fallback")
		return Result{Value: value, FromCache: true, Stale: true}, nil
	}
	return Result{}, c.rateLimitError(resource)
}

func (c *Coordinator) rateLimitError(resource string) error {
	info := c.limiter.Info(resource)
	return &apperrors.RateLimitError{Resource: resource, ResetAt: info.ResetAt}
}
