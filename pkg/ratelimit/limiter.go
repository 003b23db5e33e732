// Package ratelimit implements a fixed-window request counter shared by every
// gateway instance, with an in-process fallback for when the shared store is
// unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrConflict means optimistic retries were exhausted on a contended
	// bucket. Counter turns it into a rejection.
	ErrConflict = errors.New("ratelimit: bucket update conflict")
	// ErrUnavailable is returned when neither the shared store nor the
	// in-process fallback could produce a decision and fail-open is off.
	ErrUnavailable = errors.New("ratelimit: counter unavailable")
)

type Source string

const (
	SourceShared   Source = "shared"
	SourceFallback Source = "fallback"
	SourceFailOpen Source = "fail_open"
	// SourceContended marks a rejection after losing every conditional write.
	SourceContended Source = "contended"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	Source    Source
}

// Backend performs one atomic fixed-window step for key.
type Backend interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	FailOpenOnError bool
	StoreTimeout    time.Duration
	PurgeInterval   time.Duration
}

// Counter checks identities against a shared Backend and degrades to Fallback
// on store errors.
type Counter struct {
	Shared   Backend
	Fallback Backend

	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	lastPurge atomic.Int64
	purges    sync.WaitGroup
}

type Option func(*Counter)

func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Counter) {
		c.logger = logger
	}
}

func WithFallback(b Backend) Option {
	return func(c *Counter) {
		c.Fallback = b
	}
}

// NewCounter builds a counter over shared. A nil shared backend makes the
// in-process fallback the only store.
func NewCounter(shared Backend, cfg Config, opts ...Option) *Counter {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Minute
	}
	c := &Counter{
		Shared:   shared,
		Fallback: NewMemoryStore(),
		cfg:      cfg,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BucketKey is the storage key for identity within scope.
func BucketKey(scope, identity string) string {
	return scope + ":" + identity
}

// Check admits or rejects one request for identity in scope. It returns an
// error only when both stores failed and fail-open is disabled.
func (c *Counter) Check(ctx context.Context, identity, scope string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	key := BucketKey(scope, identity)
	now := c.now().UTC()

	if c.Shared != nil {
		d, err := c.takeShared(ctx, key, limit, window, now)
		if err == nil {
			d.Source = SourceShared
			c.maybePurge(now)
			return d, nil
		}
		if errors.Is(err, ErrConflict) {
			// Other callers were counted on a reachable store; admitting here
			// could exceed the limit.
			c.logger.Warn().Str("bucket", key).Msg("rate limit bucket contended past retry budget, rejecting")
			if d.ResetAt.IsZero() {
				d.ResetAt = now.Add(window)
			}
			return Decision{
				Allowed:   false,
				Limit:     limit,
				Remaining: 0,
				ResetAt:   d.ResetAt,
				Source:    SourceContended,
			}, nil
		}
		c.logger.Warn().Err(err).Str("bucket", key).Msg("shared rate limit store unavailable, using in-process counter")
	}

	d, err := c.takeFallback(ctx, key, limit, window, now)
	if err != nil {
		return c.onFailure(limit, window, now, err)
	}
	d.Source = SourceFallback
	return d, nil
}

func (c *Counter) takeShared(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	return c.Shared.Take(ctx, key, limit, window, now)
}

func (c *Counter) takeFallback(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (d Decision, err error) {
	if c.Fallback == nil {
		return Decision{}, errors.New("no fallback counter configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback counter panic: %v", r)
		}
	}()
	return c.Fallback.Take(ctx, key, limit, window, now)
}

func (c *Counter) onFailure(limit int, window time.Duration, now time.Time, cause error) (Decision, error) {
	if c.cfg.FailOpenOnError {
		c.logger.Error().Err(cause).Msg("rate limit check failed, admitting request (fail-open)")
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   now.Add(window),
			Source:    SourceFailOpen,
		}, nil
	}
	return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

// maybePurge deletes expired shared buckets in the background, at most once
// per PurgeInterval. Its outcome never affects a decision.
func (c *Counter) maybePurge(now time.Time) {
	last := c.lastPurge.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < c.cfg.PurgeInterval {
		return
	}
	if !c.lastPurge.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	c.purges.Add(1)
	go func() {
		defer c.purges.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
		defer cancel()
		n, err := c.Shared.PurgeExpired(ctx, now)
		if err != nil {
			c.logger.Debug().Err(err).Msg("purge expired rate limit buckets")
			return
		}
		if n > 0 {
			c.logger.Debug().Int64("purged", n).Msg("purged expired rate limit buckets")
		}
	}()
}

// Wait blocks until background purges have finished.
func (c *Counter) Wait() {
	c.purges.Wait()
}

func remainingAfter(limit, count int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}
