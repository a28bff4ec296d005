package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change. Statements run in order inside
// a single transaction together with the ledger row for Version.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// AppliedMigration is one row of the migrations ledger.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)
`

// Migrate brings db up to the last version in ms and returns how many
// migrations it applied.
//
// The ledger is created if absent. Every migration with a version greater
// than the highest recorded one is applied in ascending order; none is
// skipped or reordered. ms must be strictly ascending with positive
// versions. Any failure returns an error wrapping ErrMigration and leaves
// the failing migration fully rolled back.
func Migrate(ctx context.Context, db *sql.DB, ms []Migration) (int, error) {
	if err := validateMigrations(ms); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMigration, err)
	}

	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return 0, fmt.Errorf("%w: create ledger: %w", ErrMigration, err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMigration, err)
	}

	applied := 0
	for _, m := range ms {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return applied, fmt.Errorf("%w: version %d (%s): %w", ErrMigration, m.Version, m.Name, err)
		}
		applied++
	}

	return applied, nil
}

// AppliedMigrations returns the ledger in version order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, name, applied_at FROM migrations ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		var at int64
		if err := rows.Scan(&m.Version, &m.Name, &at); err != nil {
			return nil, fmt.Errorf("read migrations: %w", err)
		}
		m.AppliedAt = fromMillis(at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	return out, nil
}

// SchemaVersion returns the highest applied migration version (0 if none).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, s.db)
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func validateMigrations(ms []Migration) error {
	prev := 0
	for _, m := range ms {
		if m.Version <= prev {
			return fmt.Errorf("migration %d (%s) is not strictly after %d", m.Version, m.Name, prev)
		}
		prev = m.Version
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("record ledger row: %w", err)
	}

	return tx.Commit()
}
