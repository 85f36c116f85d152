package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-memory fixed-window Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Every instance keeps its own counters, so clients spreading requests across
// instances can exceed the configured limit. Counters are lost on restart.
//
// Expired entries are replaced lazily on the next access to the same key. Keys
// that are never accessed again stay in memory unless a sweep interval is set
// with WithSweepInterval.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]*memoryEntry

	sweepEvery time.Duration
	stopCh     chan struct{}
	closeOnce  sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now as the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval starts a background goroutine that removes expired entries
// at the given interval. A zero or negative interval disables sweeping (default).
//
// Important: when sweeping is enabled you must call Close() to stop the goroutine.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.sweepEvery = d
	}
}

// NewMemory creates an in-memory store whose windows last for the given duration.
func NewMemory(window time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		window:  window,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepEvery > 0 {
		go m.sweep()
	}
	return m
}

// Increment atomically increments the counter for the given key.
// The expiry check and the mutation happen under the same lock, so concurrent
// callers on a fresh key never both observe a count of 1.
func (m *Memory) Increment(_ context.Context, key string) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.entries[key]

	if !exists || !now.Before(entry.resetAt) {
		entry = &memoryEntry{
			count:   1,
			resetAt: now.Add(m.window),
		}
		m.entries[key] = entry
		return entry.count, entry.resetAt, nil
	}

	entry.count++
	return entry.count, entry.resetAt, nil
}

// Decrement decreases the counter for the given key by one.
// Unknown or expired keys and zero counts are left untouched.
func (m *Memory) Decrement(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.resetAt) {
		return nil
	}
	if entry.count > 0 {
		entry.count--
	}
	return nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.resetAt) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len returns the number of tracked keys, including expired entries not yet replaced or swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweeper goroutine, if any. Calling Close more than once is safe.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// runSweep removes all expired entries in a single pass.
func (m *Memory) runSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.entries {
		if !now.Before(entry.resetAt) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runSweep()
		case <-m.stopCh:
			return
		}
	}
}
