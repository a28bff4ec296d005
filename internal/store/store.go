package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrMigration marks a fatal schema migration failure during Open.
	ErrMigration = errors.New("schema migration failed")

	// ErrQueueItemNotFound is returned when a queue transition targets a missing item.
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrRouteNotFound is returned when no local aggregate exists for a route.
	ErrRouteNotFound = errors.New("route not found")

	// ErrRouteEntityNotFound is returned when a mutation targets an entity
	// that does not belong to the route.
	ErrRouteEntityNotFound = errors.New("route entity not found")

	// ErrUnsyncedMutations is returned when a replacement would overwrite
	// local changes that have not reached the server.
	ErrUnsyncedMutations = errors.New("route has unsynced local mutations")

	// ErrRouteEntityConflict is returned when an incoming aggregate reuses
	// an entity ID that another locally held route still owns.
	ErrRouteEntityConflict = errors.New("entity id already held by another local route")
)

// Store provides durable storage for the offline-first client.
// Uses SQLite with WAL mode and a single connection, so every access goes
// through one shared handle.
type Store struct {
	db         *sql.DB
	now        func() time.Time
	logger     *slog.Logger
	migrations []Migration
	applied    int
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithClock overrides the wall clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for migration progress.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithMigrations replaces the built-in migration list.
// Used by tests that exercise the runner with synthetic migrations.
func WithMigrations(ms []Migration) Option {
	return func(s *Store) {
		s.migrations = ms
	}
}

// Open creates or opens a SQLite database at the given path and brings its
// schema up to date.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// A migration failure is fatal: Open closes the handle and returns an error
// wrapping ErrMigration.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		now:        time.Now,
		logger:     slog.Default(),
		migrations: Migrations(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; one connection also keeps
	// per-connection pragmas in force for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	applied, err := Migrate(context.Background(), db, s.migrations)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	s.applied = applied
	if applied > 0 {
		s.logger.Info("schema migrated", "path", path, "applied", applied)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reset deletes every domain row (sessions, users, queue, route data) while
// keeping the schema and the migrations ledger.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"route_mutation", "route_archive",
		"parcel", `"order"`, "customer", "load_item", "load", "route",
		"sync_queue", "sessions", "users",
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// AppliedOnOpen returns how many migrations Open applied.
func (s *Store) AppliedOnOpen() int {
	return s.applied
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
