package model

import (
	"encoding/json"
	"time"
)

// ActionKind names a deferred remote action. The set is closed.
type ActionKind string

const (
	// ActionEndSession revokes one bearer credential on the server.
	ActionEndSession ActionKind = "END_SESSION"
	// ActionEndAllSessions revokes every session of a subject on the server.
	ActionEndAllSessions ActionKind = "END_ALL_SESSIONS"
)

// ValidActionKinds defines the allowed queue action kinds.
var ValidActionKinds = map[ActionKind]bool{
	ActionEndSession:     true,
	ActionEndAllSessions: true,
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "PENDING"
	QueueStatusCompleted QueueStatus = "COMPLETED"
	QueueStatusFailed    QueueStatus = "FAILED"
)

// MaxQueueRetries bounds how many failed attempts an item may accumulate
// before it stays FAILED for diagnostics.
const MaxQueueRetries = 3

// QueueItem is a persisted deferred remote action.
type QueueItem struct {
	ID         int64           `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	Status     QueueStatus     `json:"status"`
}

// Retryable reports whether a FAILED item is still under the retry bound.
func (q QueueItem) Retryable() bool {
	return q.Status == QueueStatusFailed && q.RetryCount < MaxQueueRetries
}

// EndSessionPayload is the payload of an END_SESSION item.
type EndSessionPayload struct {
	Subject string `json:"subject"`
	Token   string `json:"token"`
}

// EndAllSessionsPayload is the payload of an END_ALL_SESSIONS item.
type EndAllSessionsPayload struct {
	Subject string `json:"subject"`
	Token   string `json:"token,omitempty"`
}

// QueueStats counts queue items per status.
type QueueStats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
