// Package keys resolves a pixel API key to the shared secret used to sign its
// requests.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownKey = errors.New("keys: unknown api key")
	ErrRevoked    = errors.New("keys: api key revoked")
)

type Record struct {
	Key            string
	Secret         string
	Tenant         string
	AllowedOrigins []string
	Status         string // active|revoked
}

// AllowsOrigin reports whether origin may embed the pixel. An empty allow
// list admits every origin.
func (r Record) AllowsOrigin(origin string) bool {
	if len(r.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	for _, o := range r.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return true
		}
	}
	return false
}

type Resolver interface {
	Lookup(ctx context.Context, key string) (Record, error)
}

// StaticStore holds keys configured at startup.
type StaticStore struct {
	records map[string]Record
}

// ParseStatic reads entries of the form key:secret[:tenant] separated by
// commas.
func ParseStatic(raw string) (*StaticStore, error) {
	s := &StaticStore{records: map[string]Record{}}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid PIXEL_KEYS entry %q", entry)
		}
		rec := Record{Key: strings.TrimSpace(parts[0]), Secret: strings.TrimSpace(parts[1]), Status: "active"}
		if len(parts) == 3 {
			rec.Tenant = strings.TrimSpace(parts[2])
		}
		s.records[rec.Key] = rec
	}
	return s, nil
}

func NewStaticStore(records ...Record) *StaticStore {
	s := &StaticStore{records: map[string]Record{}}
	for _, r := range records {
		if r.Status == "" {
			r.Status = "active"
		}
		s.records[r.Key] = r
	}
	return s
}

func (s *StaticStore) Lookup(_ context.Context, key string) (Record, error) {
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrUnknownKey
	}
	return checkStatus(rec)
}

func (s *StaticStore) Len() int { return len(s.records) }

func checkStatus(rec Record) (Record, error) {
	if rec.Status == "revoked" {
		return Record{}, ErrRevoked
	}
	return rec, nil
}

// Cached memoizes successful lookups for TTL. Misses are not cached so a newly
// issued key works immediately.
type Cached struct {
	Next Resolver
	TTL  time.Duration
	Now  func() time.Time

	mu      sync.Mutex
	entries map[string]cachedRecord
}

type cachedRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewCached(next Resolver, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{Next: next, TTL: ttl, Now: time.Now, entries: map[string]cachedRecord{}}
}

func (c *Cached) Lookup(ctx context.Context, key string) (Record, error) {
	now := c.Now()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.rec, nil
	}
	c.mu.Unlock()

	rec, err := c.Next.Lookup(ctx, key)
	if err != nil {
		return Record{}, err
	}
	c.mu.Lock()
	c.entries[key] = cachedRecord{rec: rec, expiresAt: now.Add(c.TTL)}
	c.mu.Unlock()
	return rec, nil
}
