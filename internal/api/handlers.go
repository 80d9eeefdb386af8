package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hrvstr/hrvstr-go/internal/access"
	"github.com/hrvstr/hrvstr-go/internal/billing"
	apperrors "github.com/hrvstr/hrvstr-go/internal/errors"
	"github.com/hrvstr/hrvstr-go/internal/providers/sentiment"
)

type accessRequest struct {
	UserID    string `json:"userId"`
	Tier      string `json:"tier"`
	Component string `json:"component"`
	Request   struct {
		Texts   []string          `json:"texts"`
		Tickers []string          `json:"tickers,omitempty"`
		Source  string            `json:"source"`
		Options map[string]string `json:"options,omitempty"`
	} `json:"request"`
}

func (rt *Router) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Component == "" || len(req.Request.Texts) == 0 {
		writeError(w, http.StatusBadRequest, "userId, component and request.texts are required")
		return
	}

	analyzeReq := sentiment.AnalyzeRequest{
		Texts:   req.Request.Texts,
		Tickers: req.Request.Tickers,
		Source:  req.Request.Source,
		Options: req.Request.Options,
	}
	result, err := rt.coordinator.Access(r.Context(), access.Request{
		UserID:    req.UserID,
		Tier:      billing.Tier(req.Tier),
		Component: billing.Component(req.Component),
		CacheKey:  sentiment.CacheKey(analyzeReq),
		Resource:  analyzeReq.Source,
		Fetch:     rt.sentiment.Fetcher(analyzeReq),
	})
	if err != nil {
		rt.writeAccessError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleAccount(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required")
		return
	}

	account, err := rt.billing.Account(r.Context(), userID)
	if err != nil {
		rt.log.Error().Err(err).Str("user", userID).Msg("account lookup failed")
		writeError(w, http.StatusInternalServerError, "account lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"service":   "hrvstr-core",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := rt.billing.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["billing"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (rt *Router) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.coordinator.CacheStats())
}

func (rt *Router) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	removed := rt.coordinator.ClearCache()
	rt.log.Info().Int("removed", removed).Msg("cache cleared")
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (rt *Router) handleCacheDeleteKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	existed := rt.coordinator.DeleteCacheKey(key)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": existed})
}

func (rt *Router) handleCacheDeletePattern(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern query parameter is required")
		return
	}
	removed := rt.coordinator.DeleteCachePattern(pattern)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// writeAccessError maps the error taxonomy onto HTTP. Only insufficient
// credits and unrecoverable fetch/rate-limit errors reach here; everything
// recoverable was already absorbed by the coordinators.
func (rt *Router) writeAccessError(w http.ResponseWriter, err error) {
	var insufficient *apperrors.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient_credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
		return
	}

	if resetAt, ok := apperrors.ResetAt(err); ok {
		w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "rate_limited",
			"resetAt": resetAt.UTC().Format(time.RFC3339),
		})
		return
	}

	rt.log.Error().Err(err).Msg("access request failed")
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream_failed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
