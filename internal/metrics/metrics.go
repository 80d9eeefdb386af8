package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrvstr_cache_hits_total",
		Help: "Cache lookups served without an upstream fetch",
	}, []string{"state"}) // fresh or stale

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrvstr_cache_misses_total",
		Help: "Cache lookups that required an upstream fetch",
	})

	UpstreamFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrvstr_upstream_fetches_total",
		Help: "Upstream fetch invocations by resource and outcome",
	}, []string{"resource", "outcome"}) // outcome: ok or error

	DedupedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrvstr_deduped_requests_total",
		Help: "Requests that joined an already in-flight fetch",
	})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrvstr_rate_limit_rejections_total",
		Help: "Fetches blocked by a saturated resource bucket",
	}, []string{"resource"})

	StaleServes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrvstr_stale_serves_total",
		Help: "Responses served from stale or expired cache entries",
	})

	CreditsDebited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrvstr_credits_debited_total",
		Help: "Credits charged for component unlocks",
	}, []string{"component"})

	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrvstr_sessions_created_total",
		Help: "Unlock sessions created",
	}, []string{"component", "tier"})

	SessionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrvstr_session_conflicts_total",
		Help: "Concurrent unlock attempts that adopted an existing session",
	})

	InsufficientCredits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrvstr_insufficient_credits_total",
		Help: "Unlock attempts rejected for insufficient balance",
	})
)
