package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process fixed-window counter. It backs the counter
// when the shared store is unreachable and implements CASStore for tests of
// the optimistic path.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Bucket)}
}

func (m *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr, ok := m.items[key]
	if !ok || !now.Before(curr.ExpiresAt) {
		curr = Bucket{Key: key, Count: 1, ExpiresAt: now.Add(window)}
		m.items[key] = curr
		return Decision{Allowed: true, Count: 1, Limit: limit, Remaining: remainingAfter(limit, 1), ResetAt: curr.ExpiresAt}, nil
	}
	if curr.Count >= limit {
		return Decision{Allowed: false, Count: curr.Count, Limit: limit, Remaining: 0, ResetAt: curr.ExpiresAt}, nil
	}
	curr.Count++
	m.items[key] = curr
	return Decision{Allowed: true, Count: curr.Count, Limit: limit, Remaining: remainingAfter(limit, curr.Count), ResetAt: curr.ExpiresAt}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Bucket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[key]
	return b, ok, nil
}

func (m *MemoryStore) Reset(_ context.Context, key string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if curr, ok := m.items[key]; ok && now.Before(curr.ExpiresAt) {
		return false, nil
	}
	m.items[key] = Bucket{Key: key, Count: 1, ExpiresAt: expiresAt}
	return true, nil
}

func (m *MemoryStore) CompareAndIncrement(_ context.Context, key string, observed int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr, ok := m.items[key]
	if !ok || curr.Count != observed || !now.Before(curr.ExpiresAt) {
		return false, nil
	}
	curr.Count++
	m.items[key] = curr
	return true, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	return int64(m.Sweep(now)), nil
}

// Sweep drops buckets whose window has ended and reports how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, v := range m.items {
		if !now.Before(v.ExpiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// StartJanitor sweeps expired buckets every interval until ctx is done, so a
// long-lived process with little traffic does not keep stale buckets.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep(now().UTC())
			}
		}
	}()
}
