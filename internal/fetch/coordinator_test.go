package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hrvstr/hrvstr-go/internal/cache"
	apperrors "github.com/hrvstr/hrvstr-go/internal/errors"
	"github.com/hrvstr/hrvstr-go/internal/ratelimit"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(cache.New(-1), ratelimit.NewLimiter(), zerolog.Nop())
}

func countingFetch(calls *int64, value any) Func {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt64(calls, 1)
		return value, nil
	}
}

func TestGetOrFetchCachesResult(t *testing.T) {
	c := newTestCoordinator()
	var calls int64

	opts := Options{TTL: time.Minute}
	res, err := c.GetOrFetch(context.Background(), "sentiment:AAPL", "reddit", countingFetch(&calls, "v1"), opts)
	if err != nil {
		t.Fatalf("GetOrFetch returned error: %v", err)
	}
	if res.Value != "v1" || res.FromCache {
		t.Fatalf("unexpected first result: %+v", res)
	}

	res, err = c.GetOrFetch(context.Background(), "sentiment:AAPL", "reddit", countingFetch(&calls, "v2"), opts)
	if err != nil {
		t.Fatalf("GetOrFetch returned error: %v", err)
	}
	if res.Value != "v1" || !res.FromCache {
		t.Fatalf("expected cached value, got %+v", res)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
}

func TestGetOrFetchDeduplicatesConcurrentCallers(t *testing.T) {
	c := newTestCoordinator()

	var calls int64
	gate := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		<-gate
		return "shared", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), "earnings:MSFT", "yahoo", fn, Options{TTL: time.Minute})
		}(i)
	}

	// Give every goroutine a chance to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 upstream fetch for %d concurrent callers, got %d", n, got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if results[i].Value != "shared" {
			t.Fatalf("caller %d got %v, want shared value", i, results[i].Value)
		}
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	c := newTestCoordinator()
	var calls int64

	opts := Options{TTL: 100 * time.Millisecond, StaleTTL: 10 * time.Second}
	if _, err := c.GetOrFetch(context.Background(), "k", "reddit", countingFetch(&calls, "old"), opts); err != nil {
		t.Fatalf("prime fetch failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond) // entry now stale

	start := time.Now()
	res, err := c.GetOrFetch(context.Background(), "k", "reddit", countingFetch(&calls, "new"), opts)
	if err != nil {
		t.Fatalf("stale read failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("stale read should not block on the refresh, took %v", elapsed)
	}
	if res.Value != "old" || !res.Stale {
		t.Fatalf("expected immediate stale value, got %+v", res)
	}

	// The background refresh re-enters GetOrFetch; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := c.Cache().Get("k"); ok && v == "new" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err = c.GetOrFetch(context.Background(), "k", "reddit", countingFetch(&calls, "unused"), opts)
	if err != nil {
		t.Fatalf("follow-up read failed: %v", err)
	}
	if res.Value != "new" || !res.FromCache || res.Stale {
		t.Fatalf("expected the refreshed value from cache, got %+v", res)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected exactly 2 fetches (prime + one background refresh), got %d", got)
	}
}

func TestRateLimitedServesCachedFallback(t *testing.T) {
	c := newTestCoordinator()
	c.Limiter().Register("sec", 1, time.Minute)

	var calls int64
	opts := Options{TTL: 10 * time.Millisecond}
	if _, err := c.GetOrFetch(context.Background(), "sec:insider:0000320193", "sec", countingFetch(&calls, "filing"), opts); err != nil {
		t.Fatalf("prime fetch failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // entry expired, bucket saturated

	res, err := c.GetOrFetch(context.Background(), "sec:insider:0000320193", "sec", countingFetch(&calls, "fresh"), opts)
	if err != nil {
		t.Fatalf("expected cached fallback, got error: %v", err)
	}
	if res.Value != "filing" || !res.Stale {
		t.Fatalf("expected the expired cached value, got %+v", res)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected zero additional fetches while limited, got %d total", got)
	}
}

func TestRateLimitedWithoutCacheReturnsError(t *testing.T) {
	c := newTestCoordinator()
	c.Limiter().Register("sec", 1, time.Minute)

	var calls int64
	if _, err := c.GetOrFetch(context.Background(), "a", "sec", countingFetch(&calls, 1), Options{TTL: time.Minute}); err != nil {
		t.Fatalf("prime fetch failed: %v", err)
	}

	_, err := c.GetOrFetch(context.Background(), "b", "sec", countingFetch(&calls, 2), Options{TTL: time.Minute})
	if !apperrors.IsRateLimited(err) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if resetAt, ok := apperrors.ResetAt(err); !ok || resetAt.IsZero() {
		t.Fatalf("expected a reset time on the rate-limit error")
	}
}

func TestFetchFailureFallsBackToCache(t *testing.T) {
	c := newTestCoordinator()

	opts := Options{TTL: 10 * time.Millisecond}
	c.Cache().Set("k", "survivor", opts.TTL, 0)
	time.Sleep(20 * time.Millisecond) // expired

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("provider down")
	}
	res, err := c.GetOrFetch(context.Background(), "k", "reddit", failing, opts)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if res.Value != "survivor" || !res.Stale {
		t.Fatalf("expected the expired cached value, got %+v", res)
	}
}

func TestFetchFailureWithoutCachePropagates(t *testing.T) {
	c := newTestCoordinator()

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("provider down")
	}
	_, err := c.GetOrFetch(context.Background(), "k", "reddit", failing, Options{TTL: time.Minute})
	if err == nil {
		t.Fatalf("expected an error with nothing cached")
	}
	if !errors.Is(err, apperrors.ErrUpstreamFailed) {
		t.Fatalf("expected an upstream error, got %v", err)
	}

	// The flight slot must be released for the next caller.
	var calls int64
	res, err := c.GetOrFetch(context.Background(), "k", "reddit", countingFetch(&calls, "recovered"), Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("follow-up fetch failed: %v", err)
	}
	if res.Value != "recovered" || atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected a fresh fetch after the failure, got %+v calls=%d", res, calls)
	}
}

func TestForceRefreshBypassesFreshCache(t *testing.T) {
	c := newTestCoordinator()
	var calls int64

	opts := Options{TTL: time.Minute}
	if _, err := c.GetOrFetch(context.Background(), "k", "reddit", countingFetch(&calls, "v1"), opts); err != nil {
		t.Fatalf("prime fetch failed: %v", err)
	}

	forced := opts
	forced.ForceRefresh = true
	res, err := c.GetOrFetch(context.Background(), "k", "reddit", countingFetch(&calls, "v2"), forced)
	if err != nil {
		t.Fatalf("forced fetch failed: %v", err)
	}
	if res.Value != "v2" || res.FromCache {
		t.Fatalf("expected forced refresh to hit upstream, got %+v", res)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}
