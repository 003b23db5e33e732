package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pgxPoolNewWithConfig = pgxpool.NewWithConfig

type PostgresConfig struct {
	DSN            string
	RequireTLS     bool
	MaxConns       int32
	MinConns       int32
	ConnectRetries int
	RetryDelay     time.Duration
	PingTimeout    time.Duration
	// Sleep is swapped out in tests.
	Sleep func(time.Duration)
}

// PostgresConfigFromEnv reads DATABASE_URL, falling back to a URL assembled
// from DATABASE_USER/HOST/PORT/NAME/SSLMODE and POSTGRES_PASSWORD.
func PostgresConfigFromEnv() PostgresConfig {
	return postgresConfig(os.Getenv)
}

func postgresConfig(getenv func(string) string) PostgresConfig {
	dsn := strings.TrimSpace(getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL(getenv)
	}
	return PostgresConfig{
		DSN:            dsn,
		RequireTLS:     isTruthy(getenv("DATABASE_REQUIRE_TLS")),
		MaxConns:       10,
		MinConns:       1,
		ConnectRetries: 30,
		RetryDelay:     2 * time.Second,
		PingTimeout:    2 * time.Second,
	}
}

// NewPostgresPool retries until the database answers a ping or the retry
// budget is spent.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.RequireTLS {
		if err := validatePostgresTLS(cfg.DSN); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			sleep(cfg.RetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func defaultPostgresURL(getenv func(string) string) string {
	user := strings.TrimSpace(getenv("DATABASE_USER"))
	if user == "" {
		user = "pixel"
	}
	host := strings.TrimSpace(getenv("DATABASE_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(getenv("DATABASE_PORT"))
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := strings.TrimSpace(getenv("DATABASE_NAME"))
	if dbName == "" {
		dbName = "pixel"
	}
	sslmode := strings.TrimSpace(getenv("DATABASE_SSLMODE"))
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + dbName,
	}
	if password := getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
