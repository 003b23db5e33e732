// Package metrics keeps gateway counters in two shapes: a JSON snapshot for
// quick inspection and Prometheus collectors for scraping.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	reason   map[string]int64
	source   map[string]int64
	gauges   map[string]float64

	prom           *prometheus.Registry
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	decisions      *prometheus.CounterVec
	limiterSources *prometheus.CounterVec
	gauge          *prometheus.GaugeVec
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Decisions        map[string]int64        `json:"decisions"`
	RateLimitSources map[string]int64        `json:"rate_limit_sources"`
	Gauges           map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	r := &Registry{
		endpoint: map[string]*EndpointStat{},
		reason:   map[string]int64{},
		source:   map[string]int64{},
		gauges:   map[string]float64{},
		prom:     prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_http_requests_total",
			Help: "HTTP requests by endpoint and status class.",
		}, []string{"endpoint", "class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixel_http_request_duration_seconds",
			Help:    "HTTP request latency by endpoint.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"endpoint"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_gateway_decisions_total",
			Help: "Gateway decisions by reason code.",
		}, []string{"reason"}),
		limiterSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_rate_limit_checks_total",
			Help: "Rate limit checks by the store that answered.",
		}, []string{"source"}),
		gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pixel_gauge",
			Help: "Operational gauges.",
		}, []string{"name"}),
	}
	r.prom.MustRegister(r.requests, r.latency, r.decisions, r.limiterSources, r.gauge)
	return r
}

func (r *Registry) Observe(endpoint string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	stat, ok := r.endpoint[endpoint]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[endpoint] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	r.mu.Unlock()

	r.requests.WithLabelValues(endpoint, statusClass(status)).Inc()
	r.latency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (r *Registry) IncDecision(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
	r.decisions.WithLabelValues(reason).Inc()
}

func (r *Registry) IncRateLimitSource(source string) {
	if source == "" {
		return
	}
	r.mu.Lock()
	r.source[source]++
	r.mu.Unlock()
	r.limiterSources.WithLabelValues(source).Inc()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
	r.gauge.WithLabelValues(name).Set(value)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:        make(map[string]int64, len(r.reason)),
		RateLimitSources: make(map[string]int64, len(r.source)),
		Gauges:           make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.reason {
		out.Decisions[k] = v
	}
	for k, v := range r.source {
		out.RateLimitSources[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
