package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSessionConflict     = errors.New("session conflict")
	ErrUpstreamFailed      = errors.New("upstream fetch failed")
	ErrStoreClosed         = errors.New("store closed")
)

// UpstreamError wraps a failure from an upstream data provider fetch.
type UpstreamError struct {
	Resource string // rate-limit bucket / provider name (e.g. "reddit", "sec")
	Key      string // cache key of the request that failed
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("upstream fetch for %s (%s) failed: %v", e.Key, e.Resource, e.Err)
	}
	return fmt.Sprintf("upstream fetch for %s failed: %v", e.Resource, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is implements errors.Is interface
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstreamFailed {
		return true
	}
	return errors.Is(e.Err, target)
}

// RateLimitError reports a saturated resource bucket with the time the
// window resets, for client backoff.
type RateLimitError struct {
	Resource string
	ResetAt  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets at %s", e.Resource, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// InsufficientCreditsError is terminal: the caller decides whether to
// surface a top-up path. Required and Available carry the amounts observed
// at charge time.
type InsufficientCreditsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: required %d, available %d", e.UserID, e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// NewUpstreamError wraps err as an upstream failure for resource/key.
func NewUpstreamError(resource, key string, err error) *UpstreamError {
	return &UpstreamError{Resource: resource, Key: key, Err: err}
}

// IsRateLimited checks if an error is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsInsufficientCredits checks if an error is a credit shortfall.
func IsInsufficientCredits(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}

// ResetAt extracts the window reset time from a rate-limit error, if present.
func ResetAt(err error) (time.Time, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.ResetAt, true
	}
	return time.Time{}, false
}
