// Package cache provides the short-lived state shared between sign-in steps:
// ceremony state, emailed codes, and rate-limit windows. Entries are
// ephemeral and survive loss gracefully; nothing here is a system of record.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing or expired key.
var ErrNotFound = errors.New("cache: not found")

// Cache is a TTL key-value store.
type Cache interface {
	// Set stores the value under key for ttl. An existing value is replaced
	// and its expiry reset.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value, or ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Take atomically returns and deletes the value. Of two racing callers at
	// most one receives it; the other gets ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)

	// Expiry returns when the key expires. ok is false when the key is absent.
	Expiry(ctx context.Context, key string) (expiresAt time.Time, ok bool, err error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
