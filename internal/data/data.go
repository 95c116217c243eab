// Package data defines the optional persistence collaborator: threads, users,
// and feedback votes. Absence of a layer degrades features (no feedback
// buttons, no thread sync) but is never fatal.
package data

import (
	"context"
	"time"

	"github.com/botgate/botgate/internal/identity"
)

// FeedbackRecord is one vote on a sent message. A second vote on the same
// correlation id overwrites the first (last write wins).
type FeedbackRecord struct {
	CorrelationID string
	ThreadID      identity.ThreadID
	UserID        identity.UserID
	Vote          string
	CreatedAt     time.Time
}

// Layer is the persistence collaborator. All operations are idempotent
// upserts.
type Layer interface {
	UpsertThread(ctx context.Context, id identity.ThreadID, name string, metadata map[string]any) error
	UpsertUser(ctx context.Context, id identity.UserID, displayName string) error
	UpsertFeedback(ctx context.Context, rec FeedbackRecord) error
	Close() error
}
