// Package store provides fixed-window counter backends for rate limiting.
//
// Each Store is bound to a single window duration at construction. The limiter
// creates one Store per policy through a Factory and owns it for its lifetime.
package store

import (
	"context"
	"time"
)

// Store defines the interface for windowed counter backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment increments the counter for the given key and returns the new count
	// and the time at which the current window resets. An unseen or expired key
	// starts a new window with a count of 1.
	Increment(ctx context.Context, key string) (count int64, resetAt time.Time, err error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key. Resetting an unknown key is not an error.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Decrementer is implemented by stores that can refund a previously counted request.
// Decrement never drives a count below zero and never recreates an expired entry.
type Decrementer interface {
	Decrement(ctx context.Context, key string) error
}

// Factory builds the store for one policy. The domain is passed so that shared
// backends can namespace their keys.
type Factory func(domain string, window time.Duration) (Store, error)

// MemoryFactory returns a Factory that creates an in-memory store per policy.
func MemoryFactory(opts ...MemoryOption) Factory {
	return func(_ string, window time.Duration) (Store, error) {
		return NewMemory(window, opts...), nil
	}
}
