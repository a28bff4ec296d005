package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_WarmStartAppliesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	cold, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, len(Migrations()), cold.AppliedOnOpen())
	before, err := cold.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.NoError(t, cold.Close())

	warm, err := Open(path)
	require.NoError(t, err)
	defer warm.Close()
	assert.Equal(t, 0, warm.AppliedOnOpen())

	after, err := warm.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "ledger must be unchanged by a warm start")
}

func TestMigrate_AppliesOnlyNewerVersionsInOrder(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	first := []Migration{
		{Version: 1, Name: "one", Statements: []string{`CREATE TABLE t1 (id INTEGER)`}},
	}
	n, err := Migrate(ctx, db, first)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := append(first,
		Migration{Version: 2, Name: "two", Statements: []string{`CREATE TABLE t2 (id INTEGER)`}},
		Migration{Version: 5, Name: "five", Statements: []string{`INSERT INTO t2 (id) VALUES (5)`}},
	)
	n, err = Migrate(ctx, db, second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := db.Query(`SELECT version, name FROM migrations ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var v int
		var name string
		require.NoError(t, rows.Scan(&v, &name))
		got = append(got, name)
	}
	assert.Equal(t, []string{"one", "two", "five"}, got)
}

func TestMigrate_FailureIsFatalAndAtomic(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	ms := []Migration{
		{Version: 1, Name: "good", Statements: []string{`CREATE TABLE ok (id INTEGER)`}},
		{Version: 2, Name: "bad", Statements: []string{
			`CREATE TABLE half (id INTEGER)`,
			`THIS IS NOT SQL`,
		}},
		{Version: 3, Name: "never", Statements: []string{`CREATE TABLE never (id INTEGER)`}},
	}

	n, err := Migrate(ctx, db, ms)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMigration))
	assert.Equal(t, 1, n)

	var version int
	require.NoError(t, db.QueryRow(`SELECT MAX(version) FROM migrations`).Scan(&version))
	assert.Equal(t, 1, version)

	// The failing migration rolled back entirely.
	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('half', 'never')`,
	).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestMigrate_RejectsUnorderedList(t *testing.T) {
	db := openRawDB(t)

	ms := []Migration{
		{Version: 2, Name: "two"},
		{Version: 1, Name: "one"},
	}
	_, err := Migrate(context.Background(), db, ms)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMigration))
}

func TestMigrate_RejectsDuplicateVersion(t *testing.T) {
	db := openRawDB(t)

	ms := []Migration{
		{Version: 1, Name: "a"},
		{Version: 1, Name: "b"},
	}
	_, err := Migrate(context.Background(), db, ms)
	assert.ErrorIs(t, err, ErrMigration)
}

func TestOpen_FailsOnBrokenMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	broken := append(Migrations(), Migration{
		Version:    100,
		Name:       "broken",
		Statements: []string{`ALTER TABLE missing_table ADD COLUMN x TEXT`},
	})

	_, err := Open(path, WithMigrations(broken))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigration)
}

func TestBuiltInMigrations_StrictlyAscending(t *testing.T) {
	assert.NoError(t, validateMigrations(Migrations()))
}
