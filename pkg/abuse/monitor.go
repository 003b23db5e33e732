// Package abuse tracks authentication failures per client IP and blocks an
// address for a while once it fails too often. State is process-local.
package abuse

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/events"
)

const (
	DefaultThreshold     = 20
	DefaultWindow        = 5 * time.Minute
	DefaultBlockDuration = 30 * time.Minute

	EventIPBlocked        = "ip_blocked"
	EventBlockedIPAttempt = "blocked_ip_attempt"
)

type Config struct {
	Threshold     int
	Window        time.Duration
	BlockDuration time.Duration
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type record struct {
	count         int
	windowStartAt time.Time
	lastFailureAt time.Time
	blocked       bool
}

func (r *record) blockExpired(now time.Time, block time.Duration) bool {
	return r.blocked && !now.Before(r.lastFailureAt.Add(block))
}

type Monitor struct {
	cfg     Config
	emitter *events.Emitter

	mu      sync.Mutex
	records map[string]*record
}

// New builds a monitor. A nil emitter discards events.
func New(cfg Config, emitter *events.Emitter) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		emitter: emitter,
		records: make(map[string]*record),
	}
}

// RecordFailure counts one failure of failureType from ip and reports whether
// the address is now blocked.
func (m *Monitor) RecordFailure(ip, failureType string, metadata map[string]any) bool {
	if !trackable(ip) {
		return false
	}
	now := m.cfg.Now().UTC()

	m.mu.Lock()
	rec, ok := m.records[ip]
	if ok && rec.blocked {
		if !rec.blockExpired(now, m.cfg.BlockDuration) {
			count := rec.count
			m.mu.Unlock()
			m.emit(now, ip, EventBlockedIPAttempt, events.SeverityMedium, count, failureType, metadata)
			return true
		}
		delete(m.records, ip)
		ok = false
	}
	if !ok {
		rec = &record{windowStartAt: now}
		m.records[ip] = rec
	}
	if now.Sub(rec.windowStartAt) >= m.cfg.Window {
		rec.count = 0
		rec.windowStartAt = now
	}
	rec.count++
	rec.lastFailureAt = now
	count := rec.count
	blocked := count >= m.cfg.Threshold
	if blocked {
		rec.blocked = true
	}
	m.mu.Unlock()

	if blocked {
		m.emit(now, ip, EventIPBlocked, events.SeverityHigh, count, failureType, metadata)
		return true
	}
	m.emit(now, ip, failureType, severityFor(count, m.cfg.Threshold), count, failureType, metadata)
	return false
}

// IsBlocked discards a blocked record whose block has run out.
func (m *Monitor) IsBlocked(ip string) bool {
	if !trackable(ip) {
		return false
	}
	now := m.cfg.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	if rec.blockExpired(now, m.cfg.BlockDuration) {
		delete(m.records, ip)
		return false
	}
	return true
}

// Reset forgets ip entirely, whatever its state.
func (m *Monitor) Reset(ip string) {
	m.mu.Lock()
	delete(m.records, ip)
	m.mu.Unlock()
}

type BlockedIP struct {
	IP           string    `json:"ip"`
	Count        int       `json:"count"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// Snapshot lists currently blocked addresses, soonest expiry first.
func (m *Monitor) Snapshot() []BlockedIP {
	now := m.cfg.Now().UTC()
	m.mu.Lock()
	out := make([]BlockedIP, 0)
	for ip, rec := range m.records {
		if !rec.blocked || rec.blockExpired(now, m.cfg.BlockDuration) {
			continue
		}
		out = append(out, BlockedIP{IP: ip, Count: rec.count, BlockedUntil: rec.lastFailureAt.Add(m.cfg.BlockDuration)})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedUntil.Equal(out[j].BlockedUntil) {
			return out[i].IP < out[j].IP
		}
		return out[i].BlockedUntil.Before(out[j].BlockedUntil)
	})
	return out
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Sweep drops expired blocks and accumulating records whose window ended.
func (m *Monitor) Sweep() int {
	now := m.cfg.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for ip, rec := range m.records {
		stale := rec.blockExpired(now, m.cfg.BlockDuration) ||
			(!rec.blocked && now.Sub(rec.windowStartAt) >= m.cfg.Window)
		if stale {
			delete(m.records, ip)
			removed++
		}
	}
	return removed
}

func (m *Monitor) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}

func (m *Monitor) emit(now time.Time, ip, eventType string, sev events.Severity, count int, failureType string, metadata map[string]any) {
	if m.emitter == nil {
		return
	}
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["failure_type"] = failureType
	m.emitter.Emit(events.New(now, ip, eventType, sev, count, meta))
}

// severityFor grades a failure below the block threshold: the second half of
// the budget is medium.
func severityFor(count, threshold int) events.Severity {
	if count*2 >= threshold {
		return events.SeverityMedium
	}
	return events.SeverityLow
}

func trackable(ip string) bool {
	ip = strings.TrimSpace(ip)
	return ip != "" && !strings.EqualFold(ip, "unknown")
}
