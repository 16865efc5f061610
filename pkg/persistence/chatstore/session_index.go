package chatstore

import (
	"context"
	"strings"
)

const (
	StatusActive   = "active"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// SessionRecord captures what the client knows about a session it has touched.
// Message content stays with the backend; this is an index of identifiers.
type SessionRecord struct {
	SessionID      string `json:"session_id"`
	Title          string `json:"title"`
	UserID         string `json:"user_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	MessageCount   int    `json:"message_count"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
}

// SessionIndex is the local index of sessions, most recent first.
//
// Upsert merges into an existing record: the creation time sticks, last
// activity and message count never go backwards, and empty fields never
// overwrite known ones.
type SessionIndex interface {
	Upsert(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	List(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

const defaultListLimit = 200

func normalizeSessionRecord(record SessionRecord, now int64) SessionRecord {
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.Title = strings.TrimSpace(record.Title)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Status = strings.TrimSpace(record.Status)
	record.LastError = strings.TrimSpace(record.LastError)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	if record.MessageCount < 0 {
		record.MessageCount = 0
	}
	if record.Status == "" {
		record.Status = StatusActive
	}
	return record
}

func mergeSessionRecord(existing, incoming SessionRecord, now int64) SessionRecord {
	incoming = normalizeSessionRecord(incoming, now)
	if existing.SessionID == "" {
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.MessageCount < existing.MessageCount {
		incoming.MessageCount = existing.MessageCount
	}
	if incoming.Title == "" {
		incoming.Title = existing.Title
	}
	if incoming.UserID == "" {
		incoming.UserID = existing.UserID
	}
	if incoming.LastError == "" && incoming.Status != StatusActive {
		incoming.LastError = existing.LastError
	}
	return incoming
}
