package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/botgate/botgate/internal/identity"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS feedback (
	correlation_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	vote TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_feedback_thread ON feedback(thread_id);
`

// SQLiteLayer is the sqlite-backed persistence collaborator.
type SQLiteLayer struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the sqlite data layer at dbPath.
func OpenSQLite(dbPath string) (*SQLiteLayer, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open data layer db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply data layer schema: %w", err)
	}
	return &SQLiteLayer{db: db}, nil
}

// UpsertThread inserts or refreshes a thread record.
func (l *SQLiteLayer) UpsertThread(ctx context.Context, id identity.ThreadID, name string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, name, metadata)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			name = excluded.name,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
		string(id), name, meta)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", id, err)
	}
	return nil
}

// UpsertUser inserts or refreshes a user record.
func (l *SQLiteLayer) UpsertUser(ctx context.Context, id identity.UserID, displayName string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name)
		VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = CURRENT_TIMESTAMP`,
		string(id), displayName)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", id, err)
	}
	return nil
}

// UpsertFeedback records a vote, overwriting any prior vote for the same
// correlation id. The row upsert is the serialization point for racing
// clicks: whichever write lands last wins.
func (l *SQLiteLayer) UpsertFeedback(ctx context.Context, rec FeedbackRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO feedback (correlation_id, thread_id, user_id, vote, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			user_id = excluded.user_id,
			vote = excluded.vote,
			created_at = excluded.created_at`,
		rec.CorrelationID, string(rec.ThreadID), string(rec.UserID), rec.Vote, createdAt)
	if err != nil {
		return fmt.Errorf("upsert feedback %s: %w", rec.CorrelationID, err)
	}
	return nil
}

// Feedback returns the stored vote for a correlation id, if any.
func (l *SQLiteLayer) Feedback(ctx context.Context, correlationID string) (FeedbackRecord, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT correlation_id, thread_id, user_id, vote, created_at
		FROM feedback WHERE correlation_id = ?`, correlationID)
	var rec FeedbackRecord
	var threadID, userID string
	if err := row.Scan(&rec.CorrelationID, &threadID, &userID, &rec.Vote, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return FeedbackRecord{}, false, nil
		}
		return FeedbackRecord{}, false, err
	}
	rec.ThreadID = identity.ThreadID(threadID)
	rec.UserID = identity.UserID(userID)
	return rec, true, nil
}

// Thread returns a stored thread's name and metadata, if any.
func (l *SQLiteLayer) Thread(ctx context.Context, id identity.ThreadID) (string, map[string]any, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT name, metadata FROM threads WHERE thread_id = ?`, string(id))
	var name, meta string
	if err := row.Scan(&name, &meta); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}
	metadata := map[string]any{}
	if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
		return "", nil, false, fmt.Errorf("decode thread metadata %s: %w", id, err)
	}
	return name, metadata, true, nil
}

// CountThreads returns the number of stored threads.
func (l *SQLiteLayer) CountThreads(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (l *SQLiteLayer) Close() error {
	return l.db.Close()
}
