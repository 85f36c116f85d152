package stats

import (
	"context"
	"sync"
)

// Memory aggregates events in process memory, per domain and optionally per key.
// Nothing expires; use it for tests, development, and the admin surface of a
// single instance.
type Memory struct {
	mu       sync.Mutex
	total    Counters
	byDomain map[string]Counters
	byKey    map[string]Counters

	trackKeys bool
}

// MemoryOption configures a Memory recorder.
type MemoryOption func(*Memory)

// WithTrackKeys enables per-key counters.
func WithTrackKeys(track bool) MemoryOption {
	return func(m *Memory) { m.trackKeys = track }
}

// NewMemory creates an in-memory recorder.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byDomain: make(map[string]Counters),
		byKey:    make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record implements Recorder.
func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total.add(ev)

	c := m.byDomain[ev.Domain]
	c.add(ev)
	m.byDomain[ev.Domain] = c

	if m.trackKeys && ev.Key != "" {
		k := m.byKey[ev.Domain+":"+ev.Key]
		k.add(ev)
		m.byKey[ev.Domain+":"+ev.Key] = k
	}
	return nil
}

// Total returns counts across all domains.
func (m *Memory) Total() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// ByDomain returns a copy of the per-domain counts.
func (m *Memory) ByDomain() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Counters, len(m.byDomain))
	for k, v := range m.byDomain {
		out[k] = v
	}
	return out
}

// ByKey returns a copy of the per-key counts, keyed by "<domain>:<key>".
func (m *Memory) ByKey() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Counters, len(m.byKey))
	for k, v := range m.byKey {
		out[k] = v
	}
	return out
}
