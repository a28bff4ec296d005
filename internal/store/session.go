package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// SaveSession persists sess as the only active session.
//
// In one transaction it upserts the cached user record, deactivates every
// previously active session and inserts the new one. After SaveSession,
// ActiveSession returns exactly sess.
func (s *Store) SaveSession(ctx context.Context, sess model.Session) error {
	if sess.Subject == "" || sess.Token == "" {
		return fmt.Errorf("save session: subject and token are required")
	}

	roles, err := marshalStrings(sess.Roles)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	perms, err := marshalStrings(sess.Permissions)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (subject, display_name, email, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(subject) DO UPDATE SET
				display_name = excluded.display_name,
				email = excluded.email,
				updated_at = excluded.updated_at
		`, sess.Subject, sess.DisplayName, sess.Email, toMillis(s.now())); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (subject, token, issued_at, expires_at, roles, permissions, active)
			VALUES (?, ?, ?, ?, ?, ?, 1)
		`, sess.Subject, sess.Token, toMillis(sess.IssuedAt), nullMillis(sess.ExpiresAt), roles, perms); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ActiveSession returns the most recent active session with its cached
// display fields, or nil when there is none. Absence is never an error.
func (s *Store) ActiveSession(ctx context.Context) (*model.Session, error) {
	var (
		sess      model.Session
		issuedAt  int64
		expiresAt sql.NullInt64
		roles     string
		perms     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.subject, s.token, s.issued_at, s.expires_at, s.roles, s.permissions,
			COALESCE(u.display_name, ''), COALESCE(u.email, '')
		FROM sessions s
		LEFT JOIN users u ON u.subject = s.subject
		WHERE s.active = 1
		ORDER BY s.issued_at DESC, s.id DESC
		LIMIT 1
	`).Scan(&sess.Subject, &sess.Token, &issuedAt, &expiresAt, &roles, &perms, &sess.DisplayName, &sess.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active session: %w", err)
	}

	sess.IssuedAt = fromMillis(issuedAt)
	sess.ExpiresAt = fromNullMillis(expiresAt)
	if sess.Roles, err = unmarshalStrings(roles); err != nil {
		return nil, fmt.Errorf("read active session: roles: %w", err)
	}
	if sess.Permissions, err = unmarshalStrings(perms); err != nil {
		return nil, fmt.Errorf("read active session: permissions: %w", err)
	}
	return &sess, nil
}

// ClearSessions hard-deletes every session row. It is a no-op when none exist.
func (s *Store) ClearSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

// Wipe hard-deletes sessions and cached user records.
func (s *Store) Wipe(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			return fmt.Errorf("wipe sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users`); err != nil {
			return fmt.Errorf("wipe users: %w", err)
		}
		return nil
	})
}

// CachedUser returns the display record for subject, or nil if not cached.
func (s *Store) CachedUser(ctx context.Context, subject string) (*model.User, error) {
	var u model.User
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, display_name, email, updated_at FROM users WHERE subject = ?
	`, subject).Scan(&u.Subject, &u.DisplayName, &u.Email, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached user: %w", err)
	}
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}
