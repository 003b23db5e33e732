// Package replay verifies signed pixel requests and keeps a bounded ledger of
// consumed nonces so a captured request cannot be submitted twice.
package replay

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/signing"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/store"
)

type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonMissingHeaders    Reason = "missing_headers"
	ReasonInvalidTimestamp  Reason = "invalid_timestamp"
	ReasonReplayDetected    Reason = "replay_detected"
	ReasonSignatureMismatch Reason = "signature_mismatch"
)

const (
	DefaultAllowedDriftSeconds = 300
	DefaultCapacity            = 100000
	defaultMirrorTimeout       = 250 * time.Millisecond
)

type Config struct {
	AllowedDriftSeconds int64
	Capacity            int
}

// Meta carries the request attributes that are bound into the signature.
type Meta struct {
	Method        string
	PathWithQuery string
	Body          []byte
}

type Result struct {
	OK     bool
	Reason Reason
}

func reject(reason Reason) Result {
	return Result{Reason: reason}
}

type record struct {
	key       string
	expiresAt int64
}

// Guard is safe for concurrent use. The ledger is evicted oldest-first once
// it reaches capacity.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element

	mirror        store.Cache
	mirrorTimeout time.Duration
	logger        zerolog.Logger
}

type Option func(*Guard)

// WithMirror records accepted nonces in a shared cache as well, so a nonce
// consumed on another instance is rejected here too.
func WithMirror(cache store.Cache, timeout time.Duration) Option {
	return func(g *Guard) {
		g.mirror = cache
		if timeout > 0 {
			g.mirrorTimeout = timeout
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func New(cfg Config, opts ...Option) *Guard {
	if cfg.AllowedDriftSeconds <= 0 {
		cfg.AllowedDriftSeconds = DefaultAllowedDriftSeconds
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	g := &Guard{
		cfg:           cfg,
		order:         list.New(),
		entries:       make(map[string]*list.Element),
		mirrorTimeout: defaultMirrorTimeout,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verify checks headers against meta for the holder of secret. Checks run in
// order: headers present, timestamp within drift, nonce unused, signature.
func (g *Guard) Verify(secret string, h signing.Headers, meta Meta, now time.Time) Result {
	if h.Signature == "" || h.Timestamp == "" || h.Nonce == "" {
		return reject(ReasonMissingHeaders)
	}
	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return reject(ReasonInvalidTimestamp)
	}
	nowSec := now.Unix()
	drift := nowSec - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > g.cfg.AllowedDriftSeconds {
		return reject(ReasonInvalidTimestamp)
	}

	key := CompositeKey(secret, h.Nonce)

	g.mu.Lock()
	g.sweepLocked(nowSec)
	seen := g.liveLocked(key, nowSec)
	g.mu.Unlock()
	if seen {
		return reject(ReasonReplayDetected)
	}

	payload := signing.BuildPayload(meta.Method, meta.PathWithQuery, h.Timestamp, h.Nonce, meta.Body)
	if secret == "" || !signing.Verify(secret, payload, h.Signature) {
		return reject(ReasonSignatureMismatch)
	}

	if !g.claimShared(key) {
		return reject(ReasonReplayDetected)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.liveLocked(key, nowSec) {
		return reject(ReasonReplayDetected)
	}
	g.insertLocked(key, nowSec+g.cfg.AllowedDriftSeconds)
	return Result{OK: true, Reason: ReasonOK}
}

// Len reports the number of ledger entries, expired ones included until the
// next sweep.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}

// CompositeKey scopes a nonce to the secret that signed it.
func CompositeKey(secret, nonce string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:]) + ":" + nonce
}

func (g *Guard) liveLocked(key string, nowSec int64) bool {
	el, ok := g.entries[key]
	if !ok {
		return false
	}
	if el.Value.(*record).expiresAt <= nowSec {
		g.removeLocked(el)
		return false
	}
	return true
}

func (g *Guard) insertLocked(key string, expiresAt int64) {
	for g.order.Len() >= g.cfg.Capacity {
		g.removeLocked(g.order.Front())
	}
	g.entries[key] = g.order.PushBack(&record{key: key, expiresAt: expiresAt})
}

func (g *Guard) removeLocked(el *list.Element) {
	rec := g.order.Remove(el).(*record)
	delete(g.entries, rec.key)
}

// sweepLocked drops expired entries from the front of the ledger. Entries are
// appended with a fixed TTL, so insertion order is expiry order; anything left
// behind by a clock step is caught by liveLocked.
func (g *Guard) sweepLocked(nowSec int64) {
	for el := g.order.Front(); el != nil; el = g.order.Front() {
		if el.Value.(*record).expiresAt > nowSec {
			return
		}
		g.removeLocked(el)
	}
}

// claimShared reports false only when the shared cache positively says the
// nonce was already consumed. Cache errors fall back to the local ledger.
func (g *Guard) claimShared(key string) bool {
	if g.mirror == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.mirrorTimeout)
	defer cancel()
	ttl := time.Duration(g.cfg.AllowedDriftSeconds) * time.Second
	ok, err := g.mirror.SetNX(ctx, "nonce:"+key, "1", ttl)
	if err != nil {
		g.logger.Warn().Err(err).Msg("shared nonce mirror unavailable, using local ledger only")
		return true
	}
	return ok
}
