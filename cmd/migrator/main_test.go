package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/troy-samuels/employer-brand-os-sub003/migrations"
)

type fakeMigratorDB struct {
	execFn  func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	beginFn func(ctx context.Context) (pgx.Tx, error)
	closed  bool
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

func (f *fakeMigratorDB) Close() { f.closed = true }

type fakeMigratorRow struct {
	exists bool
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	d, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*d = r.exists
	return nil
}

// fakeMigratorTx embeds pgx.Tx so only the methods the migrator calls need
// implementations.
type fakeMigratorTx struct {
	pgx.Tx
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	commitErr  error

	execs     []string
	committed bool
	rollbacks int
}

func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if t.queryRowFn != nil {
		return t.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{}
}

func (t *fakeMigratorTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeMigratorTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rollbacks++
	return nil
}

func staticSource(files map[string]string) migrationSource {
	return migrationSource{
		Dir: "migrations",
		ReadFile: func(name string) ([]byte, error) {
			body, ok := files[filepath.Base(name)]
			if !ok {
				return nil, errors.New("missing " + name)
			}
			return []byte(body), nil
		},
		Glob: func(string) ([]string, error) {
			out := make([]string, 0, len(files))
			for name := range files {
				out = append(out, filepath.Join("migrations", name))
			}
			return out, nil
		},
	}
}

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_rate_limits.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/001_rate_limits.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}
	for _, bad := range []string{"../outside.sql", "other/001.sql", "migrations/../../x.sql"} {
		if _, err := validateMigrationPath("migrations", bad); err == nil {
			t.Fatalf("expected rejection for %q", bad)
		}
	}
}

func TestRunMigrationsAppliesInOrderAndSkips(t *testing.T) {
	var txs []*fakeMigratorTx
	db := &fakeMigratorDB{
		beginFn: func(context.Context) (pgx.Tx, error) {
			tx := &fakeMigratorTx{
				queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
					return fakeMigratorRow{exists: args[0].(string) == "001_rate_limits.sql"}
				},
			}
			txs = append(txs, tx)
			return tx, nil
		},
	}
	src := staticSource(map[string]string{
		"002_api_keys.sql":    "CREATE TABLE api_keys ();",
		"001_rate_limits.sql": "CREATE TABLE rate_limits ();",
	})

	applied, err := runMigrations(context.Background(), db, src, zerolog.Nop())
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected one applied migration, got %d", applied)
	}
	if len(txs) != 2 {
		t.Fatalf("expected a transaction per file, got %d", len(txs))
	}
	if txs[0].committed || txs[0].rollbacks != 1 {
		t.Fatalf("already applied file must be rolled back, got %+v", txs[0])
	}
	second := txs[1]
	if !second.committed || second.rollbacks != 0 {
		t.Fatalf("new file must commit, got %+v", second)
	}
	want := []string{"SELECT pg_advisory_xact_lock($1)", "CREATE TABLE api_keys ();", "INSERT INTO schema_migrations(filename) VALUES($1)"}
	if strings.Join(second.execs, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected statements: %q", second.execs)
	}
}

func TestEmbeddedSourceListsSchema(t *testing.T) {
	src := embeddedSource(migrations.FS)
	files, err := src.Glob("ignored")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := map[string]bool{
		"migrations/001_rate_limits.sql":     true,
		"migrations/002_api_keys.sql":        true,
		"migrations/003_security_events.sql": true,
	}
	if len(files) != len(want) {
		t.Fatalf("unexpected files: %v", files)
	}
	for _, f := range files {
		if !want[filepath.ToSlash(f)] {
			t.Fatalf("unexpected file %q", f)
		}
		body, err := src.ReadFile(f)
		if err != nil || !strings.Contains(string(body), "CREATE TABLE") {
			t.Fatalf("read %s: %v", f, err)
		}
	}
}

func TestEmbeddedSourceAppliesThroughRunner(t *testing.T) {
	fsys := fstest.MapFS{"001_a.sql": {Data: []byte("SELECT 1;")}}
	applied, err := runMigrations(context.Background(), &fakeMigratorDB{}, embeddedSource(fsys), zerolog.Nop())
	if err != nil || applied != 1 {
		t.Fatalf("expected one applied migration, got %d err=%v", applied, err)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	one := map[string]string{"001.sql": "SELECT 1;"}
	tests := []struct {
		name    string
		db      migrationDB
		src     migrationSource
		wantErr string
	}{
		{name: "db required", db: nil, src: staticSource(one), wantErr: "db required"},
		{name: "incomplete source", db: &fakeMigratorDB{}, src: migrationSource{Dir: "migrations"}, wantErr: "migration source incomplete"},
		{
			name: "create table failure",
			db: &fakeMigratorDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			}},
			src:     staticSource(one),
			wantErr: "create schema_migrations",
		},
		{
			name: "glob failure",
			db:   &fakeMigratorDB{},
			src: migrationSource{Dir: "migrations", ReadFile: staticSource(one).ReadFile, Glob: func(string) ([]string, error) {
				return nil, errors.New("glob fail")
			}},
			wantErr: "glob migrations",
		},
		{
			name: "invalid migration path",
			db:   &fakeMigratorDB{},
			src: migrationSource{Dir: "migrations", ReadFile: staticSource(one).ReadFile, Glob: func(string) ([]string, error) {
				return []string{"../evil.sql"}, nil
			}},
			wantErr: "invalid migration path",
		},
		{
			name: "begin failure",
			db: &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) {
				return nil, errors.New("begin fail")
			}},
			src:     staticSource(one),
			wantErr: "begin migration tx",
		},
		{
			name: "read failure",
			db:   &fakeMigratorDB{},
			src: migrationSource{Dir: "migrations", Glob: staticSource(one).Glob, ReadFile: func(string) ([]byte, error) {
				return nil, errors.New("read fail")
			}},
			wantErr: "read migration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMigrations(context.Background(), tt.db, tt.src, zerolog.Nop())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRunMigrationsTxFailuresRollBack(t *testing.T) {
	tests := []struct {
		name    string
		tx      *fakeMigratorTx
		wantErr string
	}{
		{
			name: "lock failure",
			tx: &fakeMigratorTx{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("lock fail")
			}},
			wantErr: "lock migrations",
		},
		{
			name: "lookup failure",
			tx: &fakeMigratorTx{queryRowFn: func(context.Context, string, ...any) pgx.Row {
				return fakeMigratorRow{err: errors.New("lookup fail")}
			}},
			wantErr: "migration lookup",
		},
		{
			name: "apply failure",
			tx: &fakeMigratorTx{execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if sql == "SELECT 1;" {
					return pgconn.CommandTag{}, errors.New("apply fail")
				}
				return pgconn.NewCommandTag("SELECT 1"), nil
			}},
			wantErr: "apply migration 001.sql",
		},
		{
			name: "mark failure",
			tx: &fakeMigratorTx{execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
					return pgconn.CommandTag{}, errors.New("mark fail")
				}
				return pgconn.NewCommandTag("SELECT 1"), nil
			}},
			wantErr: "mark migration 001.sql",
		},
		{
			name:    "commit failure",
			tx:      &fakeMigratorTx{commitErr: errors.New("commit fail")},
			wantErr: "commit migration 001.sql",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeMigratorDB{beginFn: func(context.Context) (pgx.Tx, error) { return tt.tx, nil }}
			_, err := runMigrations(context.Background(), db, staticSource(map[string]string{"001.sql": "SELECT 1;"}), zerolog.Nop())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q error, got %v", tt.wantErr, err)
			}
			if tt.tx.rollbacks != 1 {
				t.Fatalf("expected one rollback, got %d", tt.tx.rollbacks)
			}
		})
	}
}

func TestMainUsesInjectedDependencies(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	origGetenv := getenv
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
		getenv = origGetenv
	}()
	getenv = func(string) string { return "" }

	t.Run("success", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		db := &fakeMigratorDB{}
		openDBFn = func(context.Context) (migratorDBCloser, error) { return db, nil }

		main()
		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
		if !db.closed {
			t.Fatal("pool must be closed")
		}
	})

	t.Run("db error", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context) (migratorDBCloser, error) { return nil, errors.New("db down") }

		main()
		if !fatalCalled {
			t.Fatal("logFatalf should be called on db error")
		}
	})

	t.Run("migration error from disk source", func(t *testing.T) {
		dir := t.TempDir()
		getenv = func(k string) string {
			if k == "MIGRATIONS_DIR" {
				return dir
			}
			return ""
		}
		var msg string
		logFatalf = func(format string, args ...any) { msg = format }
		openDBFn = func(context.Context) (migratorDBCloser, error) {
			return &fakeMigratorDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			}}, nil
		}

		main()
		if !strings.HasPrefix(msg, "migration:") {
			t.Fatalf("expected migration failure, got %q", msg)
		}
	})
}
