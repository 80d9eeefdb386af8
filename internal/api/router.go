package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hrvstr/hrvstr-go/internal/access"
	"github.com/hrvstr/hrvstr-go/internal/billing"
	"github.com/hrvstr/hrvstr-go/internal/config"
	"github.com/hrvstr/hrvstr-go/internal/providers/sentiment"
	"github.com/hrvstr/hrvstr-go/internal/ratelimit"
)

// Router wires the HTTP surface: the access endpoint, cache administration,
// health and metrics. Everything of substance happens in the access
// coordinator; handlers stay thin.
type Router struct {
	coordinator *access.Coordinator
	billing     *billing.Store
	sentiment   *sentiment.Client
	cfg         *config.Config
	ipLimiter   *ratelimit.Limiter
	log         zerolog.Logger
}

// NewRouter builds the router over its collaborators.
func NewRouter(coordinator *access.Coordinator, billingStore *billing.Store, sentimentClient *sentiment.Client, cfg *config.Config, logger zerolog.Logger) *Router {
	return &Router{
		coordinator: coordinator,
		billing:     billingStore,
		sentiment:   sentimentClient,
		cfg:         cfg,
		ipLimiter:   ratelimit.NewLimiter(),
		log:         logger,
	}
}

// Stop releases router-owned resources.
func (rt *Router) Stop() {
	rt.ipLimiter.Stop()
}

// Handler returns the fully assembled HTTP handler.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/access", rt.rateLimited(rt.handleAccess))
	mux.HandleFunc("GET /api/account/{userID}", rt.rateLimited(rt.handleAccount))

	mux.HandleFunc("GET /api/cache/stats", rt.requireAdmin(rt.handleCacheStats))
	mux.HandleFunc("POST /api/cache/clear", rt.requireAdmin(rt.handleCacheClear))
	mux.HandleFunc("DELETE /api/cache/key/{key}", rt.requireAdmin(rt.handleCacheDeleteKey))
	mux.HandleFunc("DELETE /api/cache/pattern", rt.requireAdmin(rt.handleCacheDeletePattern))

	return rt.withRequestLogging(mux)
}

// Server builds an *http.Server with sane timeouts.
func (rt *Router) Server() *http.Server {
	return &http.Server{
		Addr:         rt.cfg.ListenAddr,
		Handler:      rt.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
