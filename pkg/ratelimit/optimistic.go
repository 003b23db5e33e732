package ratelimit

import (
	"context"
	"time"
)

type Bucket struct {
	Key       string
	Count     int
	ExpiresAt time.Time
}

// CASStore is a bucket store offering conditional writes. Reset and
// CompareAndIncrement report false, not an error, when their condition does
// not hold.
type CASStore interface {
	Get(ctx context.Context, key string) (Bucket, bool, error)
	// Reset creates the bucket with count 1, or replaces it when it has
	// expired at now.
	Reset(ctx context.Context, key string, now, expiresAt time.Time) (bool, error)
	// CompareAndIncrement bumps the count only if it still equals observed and
	// the bucket is live at now.
	CompareAndIncrement(ctx context.Context, key string, observed int, now time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

const DefaultMaxRetries = 3

// Optimistic turns a CASStore into a Backend with a read, conditional write,
// re-read loop bounded by MaxRetries. Exhausting the retries returns
// ErrConflict alongside a rejecting Decision; a request is only admitted by a
// write that succeeded.
type Optimistic struct {
	Store      CASStore
	MaxRetries int
}

func NewOptimistic(store CASStore, maxRetries int) *Optimistic {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Optimistic{Store: store, MaxRetries: maxRetries}
}

func (o *Optimistic) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	attempts := o.MaxRetries
	if attempts <= 0 {
		attempts = DefaultMaxRetries
	}
	resetAt := now.Add(window)
	for i := 0; i < attempts; i++ {
		b, ok, err := o.Store.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if !ok || !now.Before(b.ExpiresAt) {
			expiresAt := now.Add(window)
			created, err := o.Store.Reset(ctx, key, now, expiresAt)
			if err != nil {
				return Decision{}, err
			}
			if created {
				return Decision{Allowed: true, Count: 1, Limit: limit, Remaining: remainingAfter(limit, 1), ResetAt: expiresAt}, nil
			}
			continue
		}
		resetAt = b.ExpiresAt
		if b.Count >= limit {
			return Decision{Allowed: false, Count: b.Count, Limit: limit, Remaining: 0, ResetAt: b.ExpiresAt}, nil
		}
		swapped, err := o.Store.CompareAndIncrement(ctx, key, b.Count, now)
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			count := b.Count + 1
			return Decision{Allowed: true, Count: count, Limit: limit, Remaining: remainingAfter(limit, count), ResetAt: b.ExpiresAt}, nil
		}
	}
	// Every lost round means another caller was counted, so the rejection
	// carries the last observed window.
	return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, ErrConflict
}

func (o *Optimistic) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return o.Store.PurgeExpired(ctx, now)
}
