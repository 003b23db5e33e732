// Package events carries security events from the gateway to logs, the audit
// table, Kafka and the live admin stream. Emission is best-effort: a failing
// sink is logged and never changes an authorization decision.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type SecurityEvent struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	IP       string         `json:"ip"`
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Count    int            `json:"count"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func New(at time.Time, ip, eventType string, severity Severity, count int, metadata map[string]any) SecurityEvent {
	return SecurityEvent{
		ID:       uuid.NewString(),
		At:       at.UTC(),
		IP:       ip,
		Type:     eventType,
		Severity: severity,
		Count:    count,
		Metadata: metadata,
	}
}

type Sink interface {
	Emit(ctx context.Context, evt SecurityEvent) error
}

type SinkFunc func(ctx context.Context, evt SecurityEvent) error

func (f SinkFunc) Emit(ctx context.Context, evt SecurityEvent) error { return f(ctx, evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, SecurityEvent) error { return nil })

// Multi emits to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, evt SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := safeEmit(ctx, s, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter delivers events to a sink from a single background worker so
// request handling never waits on a slow sink. Events that do not fit in the
// queue are dropped and counted.
type Emitter struct {
	sink    Sink
	timeout time.Duration
	logger  zerolog.Logger

	queue   chan SecurityEvent
	dropped atomic.Int64
	once    sync.Once
	done    chan struct{}
}

func NewEmitter(sink Sink, queueSize int, timeout time.Duration, logger zerolog.Logger) *Emitter {
	if sink == nil {
		sink = Discard
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	e := &Emitter{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan SecurityEvent, queueSize),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(evt SecurityEvent) {
	if e == nil {
		return
	}
	defer func() {
		// Emit after Close sends on a closed channel.
		if recover() != nil {
			e.dropped.Add(1)
		}
	}()
	select {
	case e.queue <- evt:
	default:
		e.dropped.Add(1)
	}
}

func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.once.Do(func() { close(e.queue) })
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for evt := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := safeEmit(ctx, e.sink, evt); err != nil {
			e.logger.Warn().Err(err).Str("event_type", evt.Type).Str("event_id", evt.ID).Msg("security event emission failed")
		}
		cancel()
	}
}

func safeEmit(ctx context.Context, s Sink, evt SecurityEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("security event sink panic: %v", r)
		}
	}()
	return s.Emit(ctx, evt)
}
