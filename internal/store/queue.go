package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// Enqueue appends a PENDING item and returns its ID.
// The item is durable once Enqueue returns.
func (s *Store) Enqueue(ctx context.Context, kind model.ActionKind, payload []byte) (int64, error) {
	if !model.ValidActionKinds[kind] {
		return 0, fmt.Errorf("enqueue: unknown action kind %q", kind)
	}
	body, err := normalizePayload(payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	now := toMillis(s.now())
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (action_type, payload, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, 'PENDING', 0, '', ?, ?)
	`, string(kind), body, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue: last insert id: %w", err)
	}
	return id, nil
}

// Drainable returns PENDING items in creation order.
func (s *Store) Drainable(ctx context.Context) ([]model.QueueItem, error) {
	items, err := s.queryQueue(ctx, `
		SELECT id, action_type, payload, status, retry_count, last_error, created_at
		FROM sync_queue
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("drainable: %w", err)
	}
	return items, nil
}

// QueueItems returns every item regardless of status, in creation order.
// FAILED items past the retry bound stay visible here for diagnostics.
func (s *Store) QueueItems(ctx context.Context) ([]model.QueueItem, error) {
	items, err := s.queryQueue(ctx, `
		SELECT id, action_type, payload, status, retry_count, last_error, created_at
		FROM sync_queue
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("queue items: %w", err)
	}
	return items, nil
}

// MarkDone transitions an item to COMPLETED.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'COMPLETED', updated_at = ? WHERE id = ?
	`, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return requireRow(result, "mark done", id)
}

// MarkFailed transitions an item to FAILED, increments its retry count and
// records the error text.
func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, errText, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireRow(result, "mark failed", id)
}

// ResetRetryable moves FAILED items under the retry bound back to PENDING
// and returns how many were reset. Items at the bound stay FAILED.
func (s *Store) ResetRetryable(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'PENDING', updated_at = ?
		WHERE status = 'FAILED' AND retry_count < ?
	`, toMillis(s.now()), model.MaxQueueRetries)
	if err != nil {
		return 0, fmt.Errorf("reset retryable: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset retryable: rows affected: %w", err)
	}
	return n, nil
}

// PurgeCompleted deletes COMPLETED items and returns how many were removed.
func (s *Store) PurgeCompleted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = 'COMPLETED'`)
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge completed: rows affected: %w", err)
	}
	return n, nil
}

// QueueStats counts items per status.
func (s *Store) QueueStats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("queue stats: %w", err)
		}
		switch model.QueueStatus(status) {
		case model.QueueStatusPending:
			stats.Pending = n
		case model.QueueStatusCompleted:
			stats.Completed = n
		case model.QueueStatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (s *Store) queryQueue(ctx context.Context, query string, args ...any) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.QueueItem{}
	for rows.Next() {
		var (
			item      model.QueueItem
			kind      string
			payload   string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &kind, &payload, &status, &item.RetryCount, &item.LastError, &createdAt); err != nil {
			return nil, err
		}
		item.Kind = model.ActionKind(kind)
		item.Payload = json.RawMessage(payload)
		item.Status = model.QueueStatus(status)
		item.CreatedAt = fromMillis(createdAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func requireRow(result sql.Result, op string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: id %d: %w", op, id, ErrQueueItemNotFound)
	}
	return nil
}
