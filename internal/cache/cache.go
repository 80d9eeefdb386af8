package cache

import (
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

// State classifies a cache lookup result.
type State int

const (
	// Miss means no entry exists for the key.
	Miss State = iota
	// Fresh means the entry is within its TTL.
	Fresh
	// Stale means the entry is past its TTL but within the stale window;
	// callers may serve it while triggering a background refresh.
	Stale
	// Expired means the entry is past TTL and stale window. It is treated
	// as absent by Get/Has but still reachable via Peek until swept, so a
	// failed refresh can fall back to it.
	Expired
)

type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
	staleTTL  time.Duration
}

func (e *entry) stateAt(now time.Time) State {
	age := now.Sub(e.createdAt)
	if age < e.ttl {
		return Fresh
	}
	if age < e.ttl+e.staleTTL {
		return Stale
	}
	return Expired
}

// Stats reports cumulative cache activity.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
}

// Store is an in-memory keyed store with per-entry TTL, an optional stale
// window, and glob-based invalidation. Safe for concurrent use. Entries are
// lazily expired on read and periodically swept by a janitor goroutine.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats

	stopJanitor chan struct{}
	stopOnce    sync.Once

	nowFn func() time.Time
}

const defaultJanitorInterval = 5 * time.Minute

// New creates a cache store and starts its janitor. A janitorInterval of
// zero uses the default; a negative value disables the sweep (tests).
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		entries:     make(map[string]*entry),
		stopJanitor: make(chan struct{}),
		nowFn:       time.Now,
	}
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	if janitorInterval > 0 {
		go s.janitorLoop(janitorInterval)
	}
	return s
}

// Stop terminates the janitor goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
}

// Set stores value under key with the given TTL and stale window.
func (s *Store) Set(key string, value any, ttl, staleTTL time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{
		value:     value,
		createdAt: s.nowFn(),
		ttl:       ttl,
		staleTTL:  staleTTL,
	}
}

// Get returns the value for key if a fresh entry exists.
func (s *Store) Get(key string) (any, bool) {
	value, state := s.Lookup(key)
	if state != Fresh {
		return nil, false
	}
	return value, true
}

// Has reports whether a fresh entry exists for key.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Lookup returns the stored value together with its freshness state so the
// request coordinator can implement stale-while-revalidate without a second
// read. Expired entries are removed and reported as Expired with no value.
func (s *Store) Lookup(key string) (any, State) {
	now := s.nowFn()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		s.countMiss()
		return nil, Miss
	}

	switch e.stateAt(now) {
	case Fresh:
		s.countHit()
		return e.value, Fresh
	case Stale:
		s.countHit()
		return e.value, Stale
	default:
		// Treated as absent, but left in place for Peek fallbacks until the
		// janitor sweeps it.
		s.countMiss()
		return nil, Expired
	}
}

// Peek returns the stored value regardless of freshness. Used only as an
// availability fallback after a refresh attempt failed or was rate limited.
func (s *Store) Peek(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Delete removes the entry for key, returning whether one existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// DeletePattern removes every entry whose key matches the glob pattern
// (supports * and ?) and returns the number removed. Used to invalidate
// related collections, e.g. "*posts*" after a post update.
func (s *Store) DeletePattern(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if wildcard.Match(pattern, key) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Str("pattern", pattern).Int("removed", removed).Msg("cache pattern invalidation")
	}
	return removed
}

// Clear removes all entries.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*entry)
	return n
}

// Stats returns a snapshot of cumulative cache activity.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Entries = len(s.entries)
	return st
}

func (s *Store) countHit() {
	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()
}

func (s *Store) countMiss() {
	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()
}

func (s *Store) janitorLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopJanitor:
			return
		}
	}
}

// sweep removes entries past their TTL and stale window.
func (s *Store) sweep() {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.stateAt(now) == Expired {
			delete(s.entries, key)
			s.stats.Expirations++
		}
	}
}
