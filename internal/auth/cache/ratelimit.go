package cache

import (
	"context"
	"time"
)

// RateLimiter throttles how often an operation may run for a user, keyed by a
// purpose string so unrelated operations never share a window. It is
// best-effort: cache loss resets every window, which only allows an operation
// sooner, never later.
type RateLimiter struct {
	cache Cache

	// windows maps purpose to its minimum gap between requests. Purposes
	// without an entry fall back to defaultWindow.
	windows       map[string]time.Duration
	defaultWindow time.Duration
}

// NewRateLimiter creates a limiter over the given cache.
func NewRateLimiter(c Cache, defaultWindow time.Duration, windows map[string]time.Duration) *RateLimiter {
	return &RateLimiter{
		cache:         c,
		windows:       windows,
		defaultWindow: defaultWindow,
	}
}

func (l *RateLimiter) window(purpose string) time.Duration {
	if w, ok := l.windows[purpose]; ok {
		return w
	}
	return l.defaultWindow
}

func (l *RateLimiter) limitKey(userID, purpose string) string {
	return "ratelimit:" + purpose + ":" + userID
}

// CanRequest reports whether the user may run the operation now, and when
// allowed, starts a fresh window. A denied request does not extend the
// window.
func (l *RateLimiter) CanRequest(ctx context.Context, userID, purpose string) (bool, error) {
	key := l.limitKey(userID, purpose)

	_, active, err := l.cache.Expiry(ctx, key)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	if err := l.cache.Set(ctx, key, []byte{1}, l.window(purpose)); err != nil {
		return false, err
	}
	return true, nil
}

// Timeout returns when the user's current window ends. ok is false when no
// window is active.
func (l *RateLimiter) Timeout(ctx context.Context, userID, purpose string) (time.Time, bool, error) {
	return l.cache.Expiry(ctx, l.limitKey(userID, purpose))
}

// Reset clears the user's window, e.g. after the limited operation completed
// successfully.
func (l *RateLimiter) Reset(ctx context.Context, userID, purpose string) error {
	return l.cache.Delete(ctx, l.limitKey(userID, purpose))
}
