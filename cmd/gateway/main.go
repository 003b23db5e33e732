package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/config"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/hardening"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/logging"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/store"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/telemetry"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayLoadConfigFunc func() (config.Config, error)
type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger zerolog.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    = config.LoadFromEnv
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
	openRedisFnG = func(ctx context.Context) (*redis.Client, error) {
		cfg, err := store.RedisConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return store.NewRedis(ctx, cfg)
	}
	listenFnG = serveUntilSignal
)

func main() {
	if err := runGateway(loadConfigG, initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	loadConfig gatewayLoadConfigFunc,
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Service)
	if err := hardening.ValidateProduction(cfg.HardeningOptions()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv(cfg.Service), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var db gatewayDB
	if cfg.UsesDatabase() {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		db = pool
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = openRedis(ctx)
		switch {
		case err != nil && cfg.RateLimit.Backend == config.BackendRedis:
			return fmt.Errorf("redis: %w", err)
		case err != nil:
			logger.Warn().Err(err).Msg("redis unavailable, replay ledger stays process-local")
			redisClient = nil
		}
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	s, err := newServer(cfg, logger, db, redisClient)
	if err != nil {
		return err
	}
	defer s.Close()
	s.startLoops(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	logger.Info().
		Str("addr", cfg.Addr).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Str("keystore", cfg.KeystoreProvider).
		Msg("gateway listening")
	return listen(server)
}

// serveUntilSignal runs server until SIGINT or SIGTERM, then drains in-flight
// requests.
func serveUntilSignal(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
