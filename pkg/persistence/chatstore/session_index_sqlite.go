package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteSessionIndex struct {
	db *sql.DB
}

var _ SessionIndex = &SQLiteSessionIndex{}

func NewSQLiteSessionIndex(dsn string) (*SQLiteSessionIndex, error) {
	if dsn == "" {
		return nil, errors.New("sqlite session index: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteSessionIndex{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN for an on-disk index.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite session index: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteSessionIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSessionIndex) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session index: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
		  session_id TEXT PRIMARY KEY,
		  title TEXT NOT NULL DEFAULT '',
		  user_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  message_count INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT 'active',
		  last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_activity
		  ON chat_sessions(last_activity_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite session index: migrate")
		}
	}
	return nil
}

func (s *SQLiteSessionIndex) Upsert(ctx context.Context, record SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session index: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record = normalizeSessionRecord(record, time.Now().UnixMilli())
	if record.SessionID == "" {
		return errors.New("sqlite session index: sessionID is empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (
			session_id, title, user_id, created_at_ms, last_activity_ms,
			message_count, status, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = CASE
				WHEN excluded.title <> '' THEN excluded.title
				ELSE chat_sessions.title
			END,
			user_id = CASE
				WHEN excluded.user_id <> '' THEN excluded.user_id
				ELSE chat_sessions.user_id
			END,
			created_at_ms = CASE
				WHEN chat_sessions.created_at_ms > 0 THEN chat_sessions.created_at_ms
				ELSE excluded.created_at_ms
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > chat_sessions.last_activity_ms THEN excluded.last_activity_ms
				ELSE chat_sessions.last_activity_ms
			END,
			message_count = CASE
				WHEN excluded.message_count > chat_sessions.message_count THEN excluded.message_count
				ELSE chat_sessions.message_count
			END,
			status = excluded.status,
			last_error = CASE
				WHEN excluded.last_error <> '' THEN excluded.last_error
				WHEN excluded.status = 'active' THEN ''
				ELSE chat_sessions.last_error
			END
	`, record.SessionID, record.Title, record.UserID, record.CreatedAtMs, record.LastActivityMs,
		record.MessageCount, record.Status, record.LastError)
	if err != nil {
		return errors.Wrap(err, "sqlite session index: upsert session")
	}
	return nil
}

const selectSessionColumns = `
	SELECT session_id, title, user_id, created_at_ms, last_activity_ms,
	       message_count, status, last_error
	FROM chat_sessions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRecord(row rowScanner) (SessionRecord, error) {
	var record SessionRecord
	err := row.Scan(
		&record.SessionID,
		&record.Title,
		&record.UserID,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&record.MessageCount,
		&record.Status,
		&record.LastError,
	)
	if err != nil {
		return SessionRecord{}, err
	}
	if record.Status == "" {
		record.Status = StatusActive
	}
	return record, nil
}

func (s *SQLiteSessionIndex) Get(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, errors.New("sqlite session index: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("sqlite session index: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	record, err := scanSessionRecord(s.db.QueryRowContext(ctx, selectSessionColumns+` WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "sqlite session index: get session")
	}
	return record, true, nil
}

func (s *SQLiteSessionIndex) List(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite session index: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := selectSessionColumns
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY last_activity_ms DESC, session_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session index: list sessions")
	}
	defer func() { _ = rows.Close() }()

	records := make([]SessionRecord, 0, limit)
	for rows.Next() {
		record, err := scanSessionRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite session index: scan session")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite session index: iterate sessions")
	}
	return records, nil
}

func (s *SQLiteSessionIndex) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session index: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, strings.TrimSpace(sessionID)); err != nil {
		return errors.Wrap(err, "sqlite session index: delete session")
	}
	return nil
}
