// Package gateway runs the per-request integrity pipeline: IP block check,
// signature and replay verification, the shared rate limit, then failure
// bookkeeping.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/ratelimit"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/replay"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/signing"
)

type Reason string

const (
	ReasonOK                   Reason = "ok"
	ReasonIPBlocked            Reason = "ip_blocked"
	ReasonInvalidAPIKey        Reason = "invalid_api_key"
	ReasonMissingHeaders       Reason = Reason(replay.ReasonMissingHeaders)
	ReasonInvalidTimestamp     Reason = Reason(replay.ReasonInvalidTimestamp)
	ReasonReplayDetected       Reason = Reason(replay.ReasonReplayDetected)
	ReasonSignatureMismatch    Reason = Reason(replay.ReasonSignatureMismatch)
	ReasonRateLimited          Reason = "rate_limited"
	ReasonRateLimitUnavailable Reason = "rate_limit_unavailable"
)

// Status is the HTTP status a rejection maps to.
func (r Reason) Status() int {
	switch r {
	case ReasonOK:
		return http.StatusOK
	case ReasonIPBlocked:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonRateLimitUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

type Verifier interface {
	Verify(secret string, h signing.Headers, meta replay.Meta, now time.Time) replay.Result
}

type Limiter interface {
	Check(ctx context.Context, identity, scope string, limit int, window time.Duration) (ratelimit.Decision, error)
}

type Monitor interface {
	IsBlocked(ip string) bool
	RecordFailure(ip, failureType string, metadata map[string]any) bool
	Reset(ip string)
}

// Recorder receives decision counters. *metrics.Registry satisfies it.
type Recorder interface {
	IncDecision(reason string)
	IncRateLimitSource(source string)
}

type Limits struct {
	Scope  string
	Limit  int
	Window time.Duration
}

type Request struct {
	Method        string
	PathWithQuery string
	Headers       signing.Headers
	Body          []byte
	ClientIP      string
	// Secret is empty when the API key could not be resolved.
	Secret string
	// Identity is the rate-limit subject.
	Identity string
}

type Outcome struct {
	Allowed   bool
	Reason    Reason
	Status    int
	RateLimit ratelimit.Decision
	// Blocked is set when this request's failure pushed the IP into a block.
	Blocked bool
}

type Pipeline struct {
	verifier Verifier
	limiter  Limiter
	monitor  Monitor
	limits   Limits

	now     func() time.Time
	tracer  trace.Tracer
	logger  zerolog.Logger
	metrics Recorder
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.metrics = r }
}

func New(verifier Verifier, limiter Limiter, monitor Monitor, limits Limits, opts ...Option) *Pipeline {
	if limits.Limit <= 0 {
		limits.Limit = 1
	}
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	p := &Pipeline{
		verifier: verifier,
		limiter:  limiter,
		monitor:  monitor,
		limits:   limits,
		now:      time.Now,
		tracer:   noop.NewTracerProvider().Tracer("gateway"),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Evaluate(ctx context.Context, req Request) Outcome {
	ctx, span := p.tracer.Start(ctx, "gateway.evaluate", trace.WithAttributes(
		attribute.String("pixel.client_ip", req.ClientIP),
		attribute.String("http.request.method", req.Method),
	))
	defer span.End()

	out := p.evaluate(ctx, req)
	out.Status = out.Reason.Status()

	span.SetAttributes(
		attribute.String("pixel.reason", string(out.Reason)),
		attribute.Bool("pixel.allowed", out.Allowed),
	)
	if out.RateLimit.Source != "" {
		span.SetAttributes(attribute.String("pixel.rate_limit.source", string(out.RateLimit.Source)))
		if p.metrics != nil {
			p.metrics.IncRateLimitSource(string(out.RateLimit.Source))
		}
	}
	if !out.Allowed {
		span.SetStatus(codes.Error, string(out.Reason))
	}
	if p.metrics != nil {
		p.metrics.IncDecision(string(out.Reason))
	}
	return out
}

// Blocked reports whether ip is under an active abuse block. Callers use it
// to refuse a request before any key lookup or body handling.
func (p *Pipeline) Blocked(ip string) bool {
	if !p.monitor.IsBlocked(ip) {
		return false
	}
	if p.metrics != nil {
		p.metrics.IncDecision(string(ReasonIPBlocked))
	}
	return true
}

func (p *Pipeline) evaluate(ctx context.Context, req Request) Outcome {
	if p.monitor.IsBlocked(req.ClientIP) {
		return Outcome{Reason: ReasonIPBlocked}
	}

	if req.Secret == "" {
		return p.fail(req, ReasonInvalidAPIKey)
	}
	res := p.verifier.Verify(req.Secret, req.Headers, replay.Meta{
		Method:        req.Method,
		PathWithQuery: req.PathWithQuery,
		Body:          req.Body,
	}, p.now())
	if !res.OK {
		return p.fail(req, Reason(res.Reason))
	}

	identity := req.Identity
	if identity == "" {
		identity = req.ClientIP
	}
	decision, err := p.limiter.Check(ctx, identity, p.limits.Scope, p.limits.Limit, p.limits.Window)
	// Authentication succeeded, so failure history is cleared whatever the
	// rate limit says.
	p.monitor.Reset(req.ClientIP)
	if err != nil {
		if !errors.Is(err, ratelimit.ErrUnavailable) {
			p.logger.Error().Err(err).Msg("unexpected rate limit error")
		}
		return Outcome{Reason: ReasonRateLimitUnavailable}
	}
	if !decision.Allowed {
		return Outcome{Reason: ReasonRateLimited, RateLimit: decision}
	}
	return Outcome{Allowed: true, Reason: ReasonOK, RateLimit: decision}
}

func (p *Pipeline) fail(req Request, reason Reason) Outcome {
	blocked := p.monitor.RecordFailure(req.ClientIP, string(reason), map[string]any{
		"method": req.Method,
		"path":   req.PathWithQuery,
	})
	if blocked {
		p.logger.Warn().Str("ip", req.ClientIP).Str("reason", string(reason)).Msg("client ip blocked after repeated failures")
	}
	return Outcome{Reason: reason, Blocked: blocked}
}
