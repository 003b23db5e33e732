// Package config loads gateway settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/hardening"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	KeystoreDB     = "db"
	KeystoreStatic = "static"
)

type RateLimit struct {
	Backend               string
	PerWindow             int
	Window                time.Duration
	Scope                 string
	StoreTimeout          time.Duration
	FailOpen              bool
	MaxRetries            int
	PurgeInterval         time.Duration
	FallbackSweepInterval time.Duration
}

type Abuse struct {
	Threshold     int
	Window        time.Duration
	BlockDuration time.Duration
	SweepInterval time.Duration
}

type SecurityEvents struct {
	KafkaBrokers []string
	KafkaTopic   string
	PerSecond    float64
	QueueSize    int
	Audit        bool
	HashSalt     string
}

type HTTP struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type Config struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	Addr               string
	HTTP               HTTP

	SignatureDriftSeconds int64
	NonceLedgerCapacity   int
	ReplaySharedMirror    bool

	RateLimit      RateLimit
	Abuse          Abuse
	SecurityEvents SecurityEvents

	MaxRequestBodyBytes int64
	TrustedProxyCIDRs   string
	CORSAllowedOrigins  string
	WSAllowedOrigins    []string

	KeystoreProvider string
	PixelKeys        string
	KeyCacheTTL      time.Duration

	FactsUpstreamURL   string
	FactsUpstreamToken string
	UpstreamTimeout    time.Duration
	UpstreamRetries    int

	AdminToken string

	RedisAddr             string
	DatabaseRequireTLS    bool
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
}

func LoadFromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load reads settings through getenv so tests can supply a map.
func Load(getenv func(string) string) (Config, error) {
	e := envReader{getenv: getenv}
	cfg := Config{
		Service:            e.str("SERVICE_NAME", "pixel-gateway"),
		Environment:        e.str("ENVIRONMENT", e.str("APP_ENV", "")),
		StrictProdSecurity: e.boolean("STRICT_PROD_SECURITY", true),
		Addr:               e.str("ADDR", ":8080"),
		HTTP: HTTP{
			ReadHeaderTimeout: e.seconds("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
			ReadTimeout:       e.seconds("HTTP_READ_TIMEOUT_SEC", 15),
			WriteTimeout:      e.seconds("HTTP_WRITE_TIMEOUT_SEC", 30),
			IdleTimeout:       e.seconds("HTTP_IDLE_TIMEOUT_SEC", 120),
		},
		SignatureDriftSeconds: int64(e.integer("SIGNATURE_DRIFT_SEC", 300)),
		NonceLedgerCapacity:   e.integer("NONCE_LEDGER_CAPACITY", 100000),
		ReplaySharedMirror:    e.boolean("REPLAY_SHARED_MIRROR", true),
		RateLimit: RateLimit{
			Backend:               strings.ToLower(e.str("RATE_LIMIT_BACKEND", BackendPostgres)),
			PerWindow:             e.integer("RATE_LIMIT_PER_WINDOW", 120),
			Window:                e.seconds("RATE_LIMIT_WINDOW_SEC", 60),
			Scope:                 e.str("RATE_LIMIT_SCOPE", "pixel"),
			StoreTimeout:          time.Duration(e.integer("RATE_LIMIT_STORE_TIMEOUT_MS", 2000)) * time.Millisecond,
			FailOpen:              e.boolean("RATE_LIMIT_FAIL_OPEN", true),
			MaxRetries:            e.integer("RATE_LIMIT_MAX_RETRIES", 3),
			PurgeInterval:         e.seconds("RATE_LIMIT_PURGE_INTERVAL_SEC", 60),
			FallbackSweepInterval: e.seconds("FALLBACK_SWEEP_INTERVAL_SEC", 60),
		},
		Abuse: Abuse{
			Threshold:     e.integer("ABUSE_THRESHOLD", 20),
			Window:        e.seconds("ABUSE_WINDOW_SEC", 300),
			BlockDuration: e.seconds("ABUSE_BLOCK_SEC", 1800),
			SweepInterval: e.seconds("ABUSE_SWEEP_INTERVAL_SEC", 60),
		},
		SecurityEvents: SecurityEvents{
			KafkaBrokers: splitList(e.str("SECURITY_EVENTS_KAFKA_BROKERS", "")),
			KafkaTopic:   e.str("SECURITY_EVENTS_KAFKA_TOPIC", "pixel.security-events"),
			PerSecond:    e.float("SECURITY_EVENTS_PER_SEC", 50),
			QueueSize:    e.integer("SECURITY_EVENTS_QUEUE_SIZE", 1024),
			Audit:        e.boolean("SECURITY_EVENTS_AUDIT", true),
			HashSalt:     e.str("AUDIT_HASH_SALT", ""),
		},
		MaxRequestBodyBytes: int64(e.integer("MAX_REQUEST_BODY_BYTES", 64<<10)),
		TrustedProxyCIDRs:   e.str("TRUSTED_PROXY_CIDRS", ""),
		CORSAllowedOrigins:  e.str("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    splitList(e.str("WS_ALLOWED_ORIGINS", "")),
		KeystoreProvider:    strings.ToLower(e.str("KEYSTORE_PROVIDER", KeystoreDB)),
		PixelKeys:           e.str("PIXEL_KEYS", ""),
		KeyCacheTTL:         e.seconds("KEY_CACHE_TTL_SEC", 30),
		FactsUpstreamURL:    e.str("FACTS_UPSTREAM_URL", ""),
		FactsUpstreamToken:  e.str("FACTS_UPSTREAM_TOKEN", ""),
		UpstreamTimeout:     time.Duration(e.integer("UPSTREAM_TIMEOUT_MS", 3000)) * time.Millisecond,
		UpstreamRetries:     e.integer("UPSTREAM_RETRIES", 1),
		AdminToken:          e.str("ADMIN_TOKEN", ""),

		RedisAddr:             e.str("REDIS_ADDR", ""),
		DatabaseRequireTLS:    e.boolean("DATABASE_REQUIRE_TLS", false),
		RedisRequireTLS:       e.boolean("REDIS_REQUIRE_TLS", false),
		RedisTLSInsecure:      e.boolean("REDIS_TLS_INSECURE", false),
		RedisAllowInsecureTLS: e.boolean("REDIS_ALLOW_INSECURE_TLS", false),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.RateLimit.Backend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be postgres|redis|memory, got %q", c.RateLimit.Backend)
	}
	switch c.KeystoreProvider {
	case KeystoreDB:
	case KeystoreStatic:
		if strings.TrimSpace(c.PixelKeys) == "" {
			return fmt.Errorf("KEYSTORE_PROVIDER=static requires PIXEL_KEYS")
		}
	default:
		return fmt.Errorf("KEYSTORE_PROVIDER must be db|static, got %q", c.KeystoreProvider)
	}
	if c.SignatureDriftSeconds <= 0 {
		return fmt.Errorf("SIGNATURE_DRIFT_SEC must be positive")
	}
	if c.RateLimit.PerWindow <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_WINDOW and RATE_LIMIT_WINDOW_SEC must be positive")
	}
	if c.RateLimit.StoreTimeout <= 0 {
		return fmt.Errorf("RATE_LIMIT_STORE_TIMEOUT_MS must be positive")
	}
	return nil
}

// UsesDatabase reports whether any configured component needs Postgres.
func (c Config) UsesDatabase() bool {
	return c.RateLimit.Backend == BackendPostgres || c.KeystoreProvider == KeystoreDB || c.SecurityEvents.Audit
}

// UsesRedis reports whether Redis is needed or explicitly configured.
func (c Config) UsesRedis() bool {
	return c.RateLimit.Backend == BackendRedis || c.RedisAddr != ""
}

func (c Config) HardeningOptions() hardening.Options {
	return hardening.Options{
		Service:               c.Service,
		Environment:           c.Environment,
		Strict:                c.StrictProdSecurity,
		UsesDatabase:          c.UsesDatabase(),
		DatabaseRequireTLS:    c.DatabaseRequireTLS,
		UsesRedis:             c.UsesRedis(),
		RedisRequireTLS:       c.RedisRequireTLS,
		RedisTLSInsecure:      c.RedisTLSInsecure,
		RedisAllowInsecureTLS: c.RedisAllowInsecureTLS,
		RateLimitBackend:      c.RateLimit.Backend,
		CORSAllowedOrigins:    c.CORSAllowedOrigins,
		RequiredSecrets: []hardening.Requirement{
			{Name: "ADMIN_TOKEN", Value: c.AdminToken},
		},
	}
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) str(k, def string) string {
	if v := strings.TrimSpace(e.getenv(k)); v != "" {
		return v
	}
	return def
}

func (e envReader) integer(k string, def int) int {
	if v := strings.TrimSpace(e.getenv(k)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (e envReader) float(k string, def float64) float64 {
	if v := strings.TrimSpace(e.getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (e envReader) boolean(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(e.getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func (e envReader) seconds(k string, def int) time.Duration {
	return time.Duration(e.integer(k, def)) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
