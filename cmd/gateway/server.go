package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/abuse"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/config"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/events"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/gateway"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/httpx"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/keys"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/metrics"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/ratelimit"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/replay"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/store"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/stream"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/telemetry"
)

const (
	eventIPUnblocked   = "ip_unblocked"
	gaugeInterval      = 15 * time.Second
	maxAdminBodyBytes  = 4 << 10
	upstreamRetryDelay = 50 * time.Millisecond
)

type Server struct {
	cfg    config.Config
	logger zerolog.Logger

	Metrics    *metrics.Registry
	Events     *stream.Hub
	Emitter    *events.Emitter
	Throttle   *events.Throttled
	Monitor    *abuse.Monitor
	Guard      *replay.Guard
	Counter    *ratelimit.Counter
	Pixel      *gateway.Middleware
	HTTPClient *http.Client
	Now        func() time.Time

	factsURL *url.URL
	closers  []func() error
}

// newServer assembles the request pipeline from cfg. db and redisClient may
// be nil when the configuration does not need them.
func newServer(cfg config.Config, logger zerolog.Logger, db gatewayDB, redisClient *redis.Client) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		Metrics:    metrics.NewRegistry(),
		Events:     stream.NewHub(),
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		Now:        time.Now,
	}
	if raw := strings.TrimSpace(cfg.FactsUpstreamURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("FACTS_UPSTREAM_URL must be an absolute URL, got %q", raw)
		}
		s.factsURL = u
	}

	sinks := events.Multi{
		events.LogSink{Logger: logger},
		events.HubSink{Hub: s.Events},
	}
	if db != nil && cfg.SecurityEvents.Audit {
		sinks = append(sinks, &events.AuditSink{DB: db, HashSalt: []byte(cfg.SecurityEvents.HashSalt)})
	}
	if len(cfg.SecurityEvents.KafkaBrokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers: cfg.SecurityEvents.KafkaBrokers,
			Topic:   cfg.SecurityEvents.KafkaTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("security events: %w", err)
		}
		sinks = append(sinks, kafkaSink)
		s.closers = append(s.closers, kafkaSink.Close)
	}
	s.Throttle = events.NewThrottled(sinks, cfg.SecurityEvents.PerSecond, 0)
	s.Emitter = events.NewEmitter(s.Throttle, cfg.SecurityEvents.QueueSize, time.Second, logger)

	s.Monitor = abuse.New(abuse.Config{
		Threshold:     cfg.Abuse.Threshold,
		Window:        cfg.Abuse.Window,
		BlockDuration: cfg.Abuse.BlockDuration,
	}, s.Emitter)

	guardOpts := []replay.Option{replay.WithLogger(logger)}
	if redisClient != nil && cfg.ReplaySharedMirror {
		guardOpts = append(guardOpts, replay.WithMirror(store.NewRedisCache(redisClient), 0))
	}
	s.Guard = replay.New(replay.Config{
		AllowedDriftSeconds: cfg.SignatureDriftSeconds,
		Capacity:            cfg.NonceLedgerCapacity,
	}, guardOpts...)

	var shared ratelimit.Backend
	switch cfg.RateLimit.Backend {
	case config.BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("RATE_LIMIT_BACKEND=postgres requires a database")
		}
		shared = ratelimit.NewOptimistic(ratelimit.NewPostgresStore(db), cfg.RateLimit.MaxRetries)
	case config.BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("RATE_LIMIT_BACKEND=redis requires redis")
		}
		shared = ratelimit.NewRedisStore(redisClient)
	}
	s.Counter = ratelimit.NewCounter(shared, ratelimit.Config{
		FailOpenOnError: cfg.RateLimit.FailOpen,
		StoreTimeout:    cfg.RateLimit.StoreTimeout,
		PurgeInterval:   cfg.RateLimit.PurgeInterval,
	}, ratelimit.WithLogger(logger))

	var resolver keys.Resolver
	switch cfg.KeystoreProvider {
	case config.KeystoreStatic:
		static, err := keys.ParseStatic(cfg.PixelKeys)
		if err != nil {
			return nil, err
		}
		resolver = static
	default:
		if db == nil {
			return nil, fmt.Errorf("KEYSTORE_PROVIDER=db requires a database")
		}
		resolver = keys.NewCached(&keys.PostgresStore{DB: db}, cfg.KeyCacheTTL)
	}

	pipeline := gateway.New(s.Guard, s.Counter, s.Monitor, gateway.Limits{
		Scope:  cfg.RateLimit.Scope,
		Limit:  cfg.RateLimit.PerWindow,
		Window: cfg.RateLimit.Window,
	},
		gateway.WithLogger(logger),
		gateway.WithRecorder(s.Metrics),
		gateway.WithTracer(telemetry.Tracer("pixel-gateway")),
	)
	s.Pixel = &gateway.Middleware{
		Pipeline:     pipeline,
		Keys:         resolver,
		IPs:          httpx.ClientIPResolver{TrustedProxies: httpx.ParseCIDRs(cfg.TrustedProxyCIDRs)},
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Logger:       logger,
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.cfg.Service})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.metricsMiddleware)
		r.Use(telemetry.HTTPMiddleware(s.cfg.Service))

		r.With(s.Pixel.Wrap).Get("/v1/facts", s.handleFacts)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/metrics", s.handleMetrics)
			r.Method(http.MethodGet, "/metrics/prometheus", s.Metrics.PrometheusHandler())
			r.Get("/v1/admin/security/blocked", s.listBlocked)
			r.Post("/v1/admin/security/unblock", s.unblock)
		})
	})

	// Websocket upgrades need the raw connection, so the stream sits outside
	// the instrumented group.
	r.With(s.requireAdmin).Get("/v1/admin/security/stream", s.streamSecurityEvents)
	return r
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if s.factsURL == nil {
		httpx.Error(w, http.StatusNotImplemented, "facts_upstream_not_configured")
		return
	}
	auth, _ := gateway.FromContext(r.Context())

	target := *s.factsURL
	q := target.Query()
	for k, vs := range r.URL.Query() {
		if k == gateway.KeyParam {
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if auth.Key.Tenant != "" {
		q.Set("tenant", auth.Key.Tenant)
	}
	target.RawQuery = q.Encode()

	headers := map[string]string{}
	if s.cfg.FactsUpstreamToken != "" {
		headers["Authorization"] = "Bearer " + s.cfg.FactsUpstreamToken
	}
	status, body, err := httpx.RequestJSON(r.Context(), s.HTTPClient, http.MethodGet, target.String(), nil, headers, s.cfg.UpstreamRetries, upstreamRetryDelay)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant", auth.Key.Tenant).Msg("facts upstream request failed")
		httpx.Error(w, http.StatusBadGateway, "upstream_unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.updateGauges()
	s.Metrics.Handler()(w, r)
}

func (s *Server) listBlocked(w http.ResponseWriter, _ *http.Request) {
	blocked := s.Monitor.Snapshot()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"blocked": blocked, "count": len(blocked)})
}

type unblockRequest struct {
	IP string `json:"ip"`
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	body, ok := httpx.ReadBody(w, r, maxAdminBodyBytes)
	if !ok {
		return
	}
	var req unblockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	ip := httpx.ParseIP(strings.TrimSpace(req.IP))
	if ip == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_ip")
		return
	}
	wasBlocked := s.Monitor.IsBlocked(ip)
	s.Monitor.Reset(ip)
	s.Emitter.Emit(events.New(s.Now(), ip, eventIPUnblocked, events.SeverityLow, 0, map[string]any{
		"was_blocked": wasBlocked,
	}))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ip": ip, "was_blocked": wasBlocked})
}

func (s *Server) streamSecurityEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewFrame("ready", s.Now(), nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case frame, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// requireAdmin checks a bearer ADMIN_TOKEN. With no token configured every
// admin request is refused.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.cfg.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AdminToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.Metrics.Observe(r.Method+" "+route, rec.code, time.Since(start))
	})
}

func (s *Server) updateGauges() {
	s.Metrics.SetGauge("replay_ledger_entries", float64(s.Guard.Len()))
	s.Metrics.SetGauge("abuse_tracked_ips", float64(s.Monitor.Len()))
	s.Metrics.SetGauge("abuse_blocked_ips", float64(len(s.Monitor.Snapshot())))
	s.Metrics.SetGauge("security_events_dropped", float64(s.Emitter.Dropped()+s.Throttle.Dropped()))
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	s.Metrics.SetGauge("stream_frames_dropped", float64(s.Events.Dropped()))
	if mem, ok := s.Counter.Fallback.(*ratelimit.MemoryStore); ok {
		s.Metrics.SetGauge("rate_limit_fallback_buckets", float64(mem.Len()))
	}
}

// startLoops runs the background sweepers until ctx is done.
func (s *Server) startLoops(ctx context.Context) {
	s.Monitor.StartJanitor(ctx, s.cfg.Abuse.SweepInterval)
	if mem, ok := s.Counter.Fallback.(*ratelimit.MemoryStore); ok {
		mem.StartJanitor(ctx, s.cfg.RateLimit.FallbackSweepInterval, nil)
	}
	go func() {
		t := time.NewTicker(gaugeInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.updateGauges()
			}
		}
	}()
}

// Close flushes queued security events, then closes outbound sinks.
func (s *Server) Close() {
	s.Emitter.Close()
	s.Counter.Wait()
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.logger.Warn().Err(err).Msg("close security event sink")
		}
	}
}
