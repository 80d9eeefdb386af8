package ratelimit

import (
	"sync"
	"time"
)

// Info is the client-visible verdict for a resource bucket.
type Info struct {
	Limited   bool      `json:"isLimited"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type bucket struct {
	limit    int
	window   time.Duration
	attempts []time.Time
}

// Limiter tracks sliding-window request counts per named resource.
// Unregistered resources are never limited. Buckets are process-local;
// cross-process fairness is not a goal here.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	stopCleanup chan struct{}
	stopOnce    sync.Once

	nowFn func() time.Time
}

// NewLimiter creates a limiter and starts a background goroutine that
// periodically drops attempts that have left every window.
func NewLimiter() *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*bucket),
		stopCleanup: make(chan struct{}),
		nowFn:       time.Now,
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-l.stopCleanup:
				return
			}
		}
	}()

	return l
}

// Stop stops the cleanup routine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// Register configures a bucket allowing limit requests per window.
// Re-registering replaces the configuration but keeps recorded attempts.
func (l *Limiter) Register(resource string, limit int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[resource]; ok {
		b.limit = limit
		b.window = window
		return
	}
	l.buckets[resource] = &bucket{limit: limit, window: window}
}

// Allow records a request against the resource bucket and reports whether
// it is within the limit. Requests against unregistered resources are
// always allowed and not recorded.
func (l *Limiter) Allow(resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[resource]
	if !ok {
		return true
	}

	now := l.nowFn()
	valid := b.pruned(now)

	if len(valid) >= b.limit {
		b.attempts = valid
		return false
	}

	b.attempts = append(valid, now)
	return true
}

// Limited reports whether the bucket is currently saturated, without
// recording a request.
func (l *Limiter) Limited(resource string) bool {
	return l.Info(resource).Limited
}

// Info evaluates the current window for a resource.
func (l *Limiter) Info(resource string) Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[resource]
	if !ok {
		return Info{Remaining: -1}
	}

	now := l.nowFn()
	valid := b.pruned(now)
	b.attempts = valid

	info := Info{
		Limited:   len(valid) >= b.limit,
		Remaining: b.limit - len(valid),
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if len(valid) > 0 {
		// The window frees a slot when the oldest attempt ages out.
		info.ResetAt = valid[0].Add(b.window)
	} else {
		info.ResetAt = now
	}
	return info
}

// pruned returns the attempts still inside the window at now.
func (b *bucket) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	var valid []time.Time
	for _, attempt := range b.attempts {
		if attempt.After(cutoff) {
			valid = append(valid, attempt)
		}
	}
	return valid
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	for _, b := range l.buckets {
		b.attempts = b.pruned(now)
	}
}
