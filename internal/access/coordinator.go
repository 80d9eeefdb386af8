package access

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hrvstr/hrvstr-go/internal/billing"
	"github.com/hrvstr/hrvstr-go/internal/cache"
	apperrors "github.com/hrvstr/hrvstr-go/internal/errors"
	"github.com/hrvstr/hrvstr-go/internal/fetch"
	"github.com/hrvstr/hrvstr-go/internal/metrics"
)

// Request describes one data access on behalf of a user.
type Request struct {
	UserID    string
	Tier      billing.Tier
	Component billing.Component
	CacheKey  string
	Resource  string // rate-limit bucket, defaults to the component name
	Fetch     fetch.Func

	// Cost and SessionTTL override the pricing tables when non-zero.
	Cost       int64
	SessionTTL time.Duration
}

// Result is what callers get back: the payload plus how it was paid for.
type Result struct {
	Data             any    `json:"data"`
	FromCache        bool   `json:"fromCache"`
	HasActiveSession bool   `json:"hasActiveSession"`
	CreditsUsed      int64  `json:"creditsUsed"`
	SessionID        string `json:"sessionId,omitempty"`
}

// Coordinator applies the three-tier access policy: an active unlock
// session serves data free, a fresh cache entry serves data free, and only
// a full miss charges credits, at most once per unlock window, across
// devices. Transitions are one-shot per request; callers decide whether to
// retry after InsufficientCredits.
type Coordinator struct {
	fetcher *fetch.Coordinator
	store   *billing.Store
	log     zerolog.Logger
}

// NewCoordinator composes the access coordinator from its collaborators.
func NewCoordinator(fetcher *fetch.Coordinator, store *billing.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{fetcher: fetcher, store: store, log: logger}
}

// Access serves one request under the tiered policy.
func (c *Coordinator) Access(ctx context.Context, req Request) (*Result, error) {
	resource := req.Resource
	if resource == "" {
		resource = string(req.Component)
	}
	policy := billing.DataTTL(req.Component)
	opts := fetch.Options{TTL: policy.TTL, StaleTTL: policy.StaleTTL}

	// Tier 1: an active unlock session makes the data free for its lifetime.
	session, err := c.store.FindActiveSession(ctx, req.UserID, req.Component)
	if err != nil {
		return nil, err
	}
	if session != nil {
		res, err := c.fetcher.GetOrFetch(ctx, req.CacheKey, resource, req.Fetch, opts)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:             res.Value,
			FromCache:        res.FromCache,
			HasActiveSession: true,
			SessionID:        session.SessionID,
		}, nil
	}

	// Tier 2: unexpired cached data is free even without a session.
	if value, ok := c.fetcher.Cache().Get(req.CacheKey); ok {
		return &Result{Data: value, FromCache: true}, nil
	}

	// Tier 3: charge, unlock, fetch.
	cost := req.Cost
	if cost == 0 {
		cost = billing.ComponentCost(req.Component)
	}
	duration := req.SessionTTL
	if duration == 0 {
		duration = billing.SessionDuration(req.Tier)
	}

	outcome, err := c.store.BeginUnlock(ctx, req.UserID, req.Component, cost, duration)
	if err != nil {
		if apperrors.IsInsufficientCredits(err) {
			metrics.InsufficientCredits.Inc()
		}
		return nil, err
	}

	switch outcome.Status {
	case billing.UnlockAlreadyActive:
		// Another device paid a moment ago; ride its session for free.
		metrics.SessionConflicts.Inc()
		res, err := c.fetcher.GetOrFetch(ctx, req.CacheKey, resource, req.Fetch, opts)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:             res.Value,
			FromCache:        res.FromCache,
			HasActiveSession: true,
			SessionID:        outcome.Session.SessionID,
		}, nil

	default: // billing.UnlockCreated
		metrics.CreditsDebited.WithLabelValues(string(req.Component)).Add(float64(cost))
		metrics.SessionsCreated.WithLabelValues(string(req.Component), string(req.Tier)).Inc()

		// The user just paid: bypass any stale entry and fetch fresh. A
		// failed fetch still falls back to cached data inside the fetcher;
		// the session stays active either way, so retries cost nothing.
		forced := opts
		forced.ForceRefresh = true
		res, err := c.fetcher.GetOrFetch(ctx, req.CacheKey, resource, req.Fetch, forced)
		if err != nil {
			c.log.Warn().Str("user", req.UserID).Str("component", string(req.Component)).
				Err(err).Msg("paid fetch failed with no cached fallback")
			return nil, err
		}
		return &Result{
			Data:        res.Value,
			FromCache:   res.FromCache,
			CreditsUsed: cost,
			SessionID:   outcome.Session.SessionID,
		}, nil
	}
}

// ClearCache removes every cached entry and returns the count removed.
func (c *Coordinator) ClearCache() int { return c.fetcher.Cache().Clear() }

// DeleteCacheKey removes a single cache entry.
func (c *Coordinator) DeleteCacheKey(key string) bool { return c.fetcher.Cache().Delete(key) }

// DeleteCachePattern removes every entry matching the glob pattern.
func (c *Coordinator) DeleteCachePattern(pattern string) int {
	return c.fetcher.Cache().DeletePattern(pattern)
}

// CacheStats returns cumulative cache statistics.
func (c *Coordinator) CacheStats() cache.Stats { return c.fetcher.Cache().Stats() }
