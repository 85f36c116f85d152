package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemory_Increment(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name  string
		setup func(*Memory)
		key   string
		want  int64
	}{
		{
			name: "first increment creates new entry",
			key:  "test:key",
			want: 1,
		},
		{
			name: "increment existing key",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{
					count:   5,
					resetAt: clock.Now().Add(time.Minute),
				}
			},
			key:  "test:key",
			want: 6,
		},
		{
			name: "increment expired key resets counter",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{
					count:   10,
					resetAt: clock.Now().Add(-time.Second),
				}
			},
			key:  "test:key",
			want: 1,
		},
		{
			name: "increment exactly at reset time starts new window",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{
					count:   3,
					resetAt: clock.Now(),
				}
			},
			key:  "test:key",
			want: 1,
		},
		{
			name: "empty key",
			key:  "",
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(time.Minute, WithClock(clock.Now))
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m)
			}

			got, _, err := m.Increment(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("Increment() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Increment() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemory_Increment_ResetAt(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(5*time.Second, WithClock(clock.Now))
	defer m.Close()

	ctx := context.Background()
	start := clock.Now()

	_, resetAt, err := m.Increment(ctx, "k")
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if want := start.Add(5 * time.Second); !resetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", resetAt, want)
	}

	clock.Advance(2 * time.Second)
	_, resetAt2, err := m.Increment(ctx, "k")
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if !resetAt2.Equal(resetAt) {
		t.Errorf("resetAt moved within window: got %v, want %v", resetAt2, resetAt)
	}

	clock.Advance(3 * time.Second)
	count, resetAt3, err := m.Increment(ctx, "k")
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Increment() after window = %v, want 1", count)
	}
	if want := clock.Now().Add(5 * time.Second); !resetAt3.Equal(want) {
		t.Errorf("resetAt after window = %v, want %v", resetAt3, want)
	}
}

func TestMemory_Increment_Sequential(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()

	ctx := context.Background()
	key := "test:sequential"

	for i := int64(1); i <= 10; i++ {
		got, _, err := m.Increment(ctx, key)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != i {
			t.Errorf("Increment() = %v, want %v", got, i)
		}
	}
}

func TestMemory_Increment_Concurrent(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()

	ctx := context.Background()
	key := "test:concurrent"
	goroutines := 50
	incrementsPerGoroutine := 20
	expectedTotal := int64(goroutines * incrementsPerGoroutine)

	var ones sync.Map
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				count, _, err := m.Increment(ctx, key)
				if err != nil {
					t.Errorf("Increment() error = %v", err)
				}
				if count == 1 {
					ones.Store(id, true)
				}
			}
		}(i)
	}

	wg.Wait()

	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != expectedTotal {
		t.Errorf("Get() = %v, want %v", got, expectedTotal)
	}

	seen := 0
	ones.Range(func(_, _ any) bool {
		seen++
		return true
	})
	if seen != 1 {
		t.Errorf("count of 1 observed by %d goroutines, want exactly 1", seen)
	}
}

func TestMemory_Increment_ConcurrentDifferentKeys(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()

	ctx := context.Background()
	keys := 10
	incrementsPerKey := 5

	var wg sync.WaitGroup
	wg.Add(keys)

	for i := 0; i < keys; i++ {
		go func(k string) {
			defer wg.Done()
			for j := 0; j < incrementsPerKey; j++ {
				if _, _, err := m.Increment(ctx, k); err != nil {
					t.Errorf("Increment() error = %v", err)
				}
			}
		}(fmt.Sprintf("test:key:%d", i))
	}

	wg.Wait()

	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("test:key:%d", i)
		got, err := m.Get(ctx, key)
		if err != nil {
			t.Errorf("Get(%s) error = %v", key, err)
		}
		if got != int64(incrementsPerKey) {
			t.Errorf("Get(%s) = %v, want %v", key, got, incrementsPerKey)
		}
	}
}

func TestMemory_Decrement(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name      string
		setup     func(*Memory)
		key       string
		wantCount int64
		wantEntry bool
	}{
		{
			name: "decrements live entry",
			setup: func(m *Memory) {
				m.entries["k"] = &memoryEntry{count: 3, resetAt: clock.Now().Add(time.Minute)}
			},
			key:       "k",
			wantCount: 2,
			wantEntry: true,
		},
		{
			name: "never goes below zero",
			setup: func(m *Memory) {
				m.entries["k"] = &memoryEntry{count: 0, resetAt: clock.Now().Add(time.Minute)}
			},
			key:       "k",
			wantCount: 0,
			wantEntry: true,
		},
		{
			name:      "unknown key is a no-op",
			key:       "missing",
			wantCount: 0,
			wantEntry: false,
		},
		{
			name: "expired entry is not touched",
			setup: func(m *Memory) {
				m.entries["k"] = &memoryEntry{count: 4, resetAt: clock.Now().Add(-time.Second)}
			},
			key:       "k",
			wantCount: 4,
			wantEntry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(time.Minute, WithClock(clock.Now))
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m)
			}

			if err := m.Decrement(context.Background(), tt.key); err != nil {
				t.Fatalf("Decrement() error = %v", err)
			}

			entry, exists := m.entries[tt.key]
			if exists != tt.wantEntry {
				t.Fatalf("entry exists = %v, want %v", exists, tt.wantEntry)
			}
			if exists && entry.count != tt.wantCount {
				t.Errorf("count = %v, want %v", entry.count, tt.wantCount)
			}
		})
	}
}

func TestMemory_Get(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name  string
		setup func(*Memory)
		key   string
		want  int64
	}{
		{
			name: "non-existent key returns zero",
			key:  "test:nonexistent",
			want: 0,
		},
		{
			name: "existing key returns count",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 42, resetAt: clock.Now().Add(time.Minute)}
			},
			key:  "test:key",
			want: 42,
		},
		{
			name: "expired key returns zero",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 100, resetAt: clock.Now().Add(-time.Second)}
			},
			key:  "test:key",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(time.Minute, WithClock(clock.Now))
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m)
			}

			got, err := m.Get(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Get() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemory_Reset_AfterIncrement(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(time.Minute, WithClock(clock.Now))
	defer m.Close()

	ctx := context.Background()
	key := "test:reset"

	for i := 0; i < 3; i++ {
		if _, _, err := m.Increment(ctx, key); err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
	}

	clock.Advance(10 * time.Second)

	if err := m.Reset(ctx, key); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := m.Reset(ctx, key); err != nil {
		t.Fatalf("second Reset() error = %v", err)
	}

	count, resetAt, err := m.Increment(ctx, key)
	if err != nil {
		t.Fatalf("Increment() after Reset() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Increment() after Reset() = %v, want 1", count)
	}
	if want := clock.Now().Add(time.Minute); !resetAt.Equal(want) {
		t.Errorf("resetAt after Reset() = %v, want %v", resetAt, want)
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(time.Second, WithClock(clock.Now))
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := m.Increment(ctx, fmt.Sprintf("old:%d", i)); err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
	}

	clock.Advance(2 * time.Second)
	if _, _, err := m.Increment(ctx, "fresh"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	if got := m.Len(); got != 6 {
		t.Fatalf("Len() before sweep = %d, want 6", got)
	}

	m.runSweep()

	if got := m.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}
}

func TestMemory_SweepInterval(t *testing.T) {
	m := NewMemory(10*time.Millisecond, WithSweepInterval(20*time.Millisecond))
	defer m.Close()

	if _, _, err := m.Increment(context.Background(), "k"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove expired entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory(time.Minute, WithSweepInterval(time.Minute))

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-m.stopCh:
	case <-time.After(100 * time.Millisecond):
		t.Error("Close() did not close stopCh")
	}
}

func TestMemoryFactory(t *testing.T) {
	clock := newFakeClock()
	factory := MemoryFactory(WithClock(clock.Now))

	st, err := factory("example.com", 3*time.Second)
	if err != nil {
		t.Fatalf("factory error = %v", err)
	}
	defer st.Close()

	if _, ok := st.(Decrementer); !ok {
		t.Error("memory store should implement Decrementer")
	}

	_, resetAt, err := st.Increment(context.Background(), "k")
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if want := clock.Now().Add(3 * time.Second); !resetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", resetAt, want)
	}
}

func BenchmarkMemory_Increment(b *testing.B) {
	m := NewMemory(time.Minute)
	defer m.Close()

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = m.Increment(ctx, "bench:key")
	}
}

func BenchmarkMemory_Increment_Parallel(b *testing.B) {
	m := NewMemory(time.Minute)
	defer m.Close()

	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = m.Increment(ctx, "bench:key")
		}
	})
}
