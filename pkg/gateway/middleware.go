package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/httpx"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/keys"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/signing"
)

const (
	// KeyParam is the query parameter carrying the pixel API key.
	KeyParam  = "key"
	HeaderKey = "X-Pixel-Key"

	ReasonMissingAPIKey        Reason = "missing_api_key"
	ReasonOriginNotAllowed     Reason = "origin_not_allowed"
	ReasonKeyLookupUnavailable Reason = "key_lookup_unavailable"
)

type IPResolver interface {
	ClientIP(r *http.Request) string
}

type Middleware struct {
	Pipeline     *Pipeline
	Keys         keys.Resolver
	IPs          IPResolver
	MaxBodyBytes int64
	Logger       zerolog.Logger
	Now          func() time.Time
}

type ctxKey struct{}

// Authenticated is attached to the request context of admitted requests.
type Authenticated struct {
	Key      keys.Record
	ClientIP string
	Outcome  Outcome
}

func FromContext(ctx context.Context) (Authenticated, bool) {
	a, ok := ctx.Value(ctxKey{}).(Authenticated)
	return a, ok
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.IPs.ClientIP(r)
		apiKey := strings.TrimSpace(r.URL.Query().Get(KeyParam))
		if apiKey == "" {
			apiKey = strings.TrimSpace(r.Header.Get(HeaderKey))
		}
		if apiKey == "" {
			httpx.Error(w, http.StatusUnauthorized, string(ReasonMissingAPIKey))
			return
		}
		if m.Pipeline.Blocked(ip) {
			httpx.Error(w, ReasonIPBlocked.Status(), string(ReasonIPBlocked))
			return
		}

		body, ok := httpx.ReadBody(w, r, m.MaxBodyBytes)
		if !ok {
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		rec, err := m.Keys.Lookup(r.Context(), apiKey)
		switch {
		case err == nil:
		case errors.Is(err, keys.ErrUnknownKey), errors.Is(err, keys.ErrRevoked):
			rec = keys.Record{}
		default:
			m.Logger.Error().Err(err).Msg("api key lookup failed")
			httpx.Error(w, http.StatusServiceUnavailable, string(ReasonKeyLookupUnavailable))
			return
		}
		if rec.Secret != "" {
			if origin := r.Header.Get("Origin"); origin != "" && !rec.AllowsOrigin(origin) {
				httpx.Error(w, http.StatusForbidden, string(ReasonOriginNotAllowed))
				return
			}
		}

		out := m.Pipeline.Evaluate(r.Context(), Request{
			Method:        r.Method,
			PathWithQuery: r.URL.RequestURI(),
			Headers: signing.Headers{
				Signature: r.Header.Get(signing.HeaderSignature),
				Timestamp: r.Header.Get(signing.HeaderTimestamp),
				Nonce:     r.Header.Get(signing.HeaderNonce),
			},
			Body:     body,
			ClientIP: ip,
			Secret:   rec.Secret,
			Identity: apiKey + ":" + ip,
		})
		m.writeRateHeaders(w, out)
		if !out.Allowed {
			httpx.Error(w, out.Status, string(out.Reason))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, Authenticated{Key: rec, ClientIP: ip, Outcome: out})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) writeRateHeaders(w http.ResponseWriter, out Outcome) {
	d := out.RateLimit
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if out.Reason == ReasonRateLimited {
		now := time.Now
		if m.Now != nil {
			now = m.Now
		}
		wait := int(math.Ceil(d.ResetAt.Sub(now()).Seconds()))
		h.Set("Retry-After", strconv.Itoa(max(wait, 1)))
	}
}
