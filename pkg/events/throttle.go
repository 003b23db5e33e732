package events

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttled caps the rate at which low and medium severity events reach the
// wrapped sink. Events over the budget are counted and dropped. High and
// critical events, such as a block transition, always pass.
type Throttled struct {
	Sink    Sink
	limiter *rate.Limiter
	dropped atomic.Int64
}

func NewThrottled(sink Sink, perSecond float64, burst int) *Throttled {
	if perSecond <= 0 {
		perSecond = 50
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Throttled{Sink: sink, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Emit(ctx context.Context, evt SecurityEvent) error {
	if !exempt(evt.Severity) && !t.limiter.Allow() {
		t.dropped.Add(1)
		return nil
	}
	return t.Sink.Emit(ctx, evt)
}

func (t *Throttled) Dropped() int64 {
	return t.dropped.Load()
}

func exempt(sev Severity) bool {
	return sev == SeverityHigh || sev == SeverityCritical
}
