package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/troy-samuels/employer-brand-os-sub003/migrations"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/logging"
	"github.com/troy-samuels/employer-brand-os-sub003/pkg/store"
)

// migrationLockID serialises migrators racing on the same database.
const migrationLockID int64 = 0x706978656c

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// migrationSource lists and reads *.sql files under Dir.
type migrationSource struct {
	Dir      string
	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
}

func diskSource(dir string) migrationSource {
	return migrationSource{
		Dir: filepath.Clean(dir),
		// #nosec G304 -- paths are checked by validateMigrationPath before read.
		ReadFile: os.ReadFile,
		Glob:     filepath.Glob,
	}
}

// embeddedSource serves the schema compiled into the binary under a virtual
// "migrations" directory.
func embeddedSource(fsys fs.FS) migrationSource {
	const dir = "migrations"
	return migrationSource{
		Dir: dir,
		ReadFile: func(name string) ([]byte, error) {
			return fs.ReadFile(fsys, filepath.Base(name))
		},
		Glob: func(string) ([]string, error) {
			names, err := fs.Glob(fsys, "*.sql")
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(names))
			for _, n := range names {
				out = append(out, filepath.Join(dir, n))
			}
			return out, nil
		},
	}
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
	getenv = os.Getenv
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	logger := logging.New("pixel-migrator")

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	src := embeddedSource(migrations.FS)
	if dir := strings.TrimSpace(getenv("MIGRATIONS_DIR")); dir != "" {
		src = diskSource(dir)
	}
	if _, err := runMigrations(ctx, pool, src, logger); err != nil {
		logFatalf("migration: %v", err)
	}
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// runMigrations applies every unapplied file in name order, one transaction
// per file. Each transaction takes an advisory lock and re-checks the ledger
// so concurrent migrators apply a file once.
func runMigrations(ctx context.Context, db migrationDB, src migrationSource, logger zerolog.Logger) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("db required")
	}
	if src.ReadFile == nil || src.Glob == nil {
		return 0, fmt.Errorf("migration source incomplete")
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(src.Dir)
	files, err := src.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		cleanFile, err := validateMigrationPath(dir, file)
		if err != nil {
			return applied, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		done, err := applyMigration(ctx, db, src, cleanFile, name)
		if err != nil {
			return applied, err
		}
		if done {
			applied++
			logger.Info().Str("migration", name).Msg("applied migration")
		}
	}

	logger.Info().Int("applied", applied).Int("total", len(files)).Msg("migrations complete")
	return applied, nil
}

func applyMigration(ctx context.Context, db migrationDB, src migrationSource, path, name string) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	if exists {
		return false, nil
	}
	sqlBytes, err := src.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
