// Command migrator applies the audit schema and optionally prunes audit rows
// past their retention window.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"admission/pkg/audit"
	"admission/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
	nowFn = time.Now
)

type options struct {
	Dir           string
	RetentionDays int
	Timeout       time.Duration
}

func optionsFromEnv() (options, error) {
	opts := options{Dir: "migrations", Timeout: 60 * time.Second}
	if v := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); v != "" {
		opts.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("AUDIT_RETENTION_DAYS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("AUDIT_RETENTION_DAYS must be a non-negative integer, got %q", v)
		}
		opts.RetentionDays = n
	}
	if v := strings.TrimSpace(os.Getenv("MIGRATE_TIMEOUT_SEC")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("MIGRATE_TIMEOUT_SEC must be positive, got %q", v)
		}
		opts.Timeout = time.Duration(n) * time.Second
	}
	return opts, nil
}

func main() {
	opts, err := optionsFromEnv()
	if err != nil {
		logFatalf("config: %v", err)
		return
	}
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar().With("service", "migrator")

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, opts.Dir, nil, nil, sugar.Infof); err != nil {
		logFatalf("migration: %v", err)
		return
	}
	if opts.RetentionDays > 0 {
		n, err := pruneAudit(ctx, pool, opts.RetentionDays, nowFn())
		if err != nil {
			logFatalf("prune audit: %v", err)
			return
		}
		sugar.Infow("pruned audit records", "deleted", n, "retention_days", opts.RetentionDays)
	}
}

// pruneAudit removes admission_audit rows older than days before now.
func pruneAudit(ctx context.Context, db migrationDB, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, errors.New("retention days must be positive")
	}
	w := &audit.Writer{DB: db}
	return w.Prune(ctx, now.UTC().AddDate(0, 0, -days))
}

// validateMigrationPath rejects files that resolve outside migrationsDir.
func validateMigrationPath(migrationsDir, file string) (string, error) {
	dir, path := filepath.Clean(migrationsDir), filepath.Clean(file)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return path, nil
}

const schemaMigrationsDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// runMigrations applies every *.sql file in migrationsDir, in name order, that
// schema_migrations has not recorded yet. Each file runs in its own
// transaction together with its bookkeeping row.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return errors.New("db required")
	}
	if readFile == nil {
		readFile = os.ReadFile // #nosec G304 -- paths pass validateMigrationPath first
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if logf == nil {
		logf = log.Printf
	}
	if _, err := db.Exec(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	pending, total, err := pendingMigrations(ctx, db, filepath.Clean(migrationsDir), glob)
	if err != nil {
		return err
	}
	for _, path := range pending {
		name := filepath.Base(path)
		body, err := readFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyMigration(ctx, db, name, string(body)); err != nil {
			return err
		}
		logf("applied migration %s", name)
	}
	logf("migrations complete: %d applied, %d already present", len(pending), total-len(pending))
	return nil
}

// pendingMigrations lists the files in dir not yet recorded, sorted by name,
// along with how many files dir holds in total.
func pendingMigrations(ctx context.Context, db migrationDB, dir string, glob func(string) ([]string, error)) ([]string, int, error) {
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, 0, fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, 0, fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)

	var pending []string
	for _, file := range files {
		path, err := validateMigrationPath(dir, file)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid migration path: %s", file)
		}
		var done bool
		err = db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, filepath.Base(path)).Scan(&done)
		if err != nil {
			return nil, 0, fmt.Errorf("migration lookup: %w", err)
		}
		if !done {
			pending = append(pending, path)
		}
	}
	return pending, len(files), nil
}

func applyMigration(ctx context.Context, db migrationDB, name, sql string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
