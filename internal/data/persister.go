package data

import (
	"context"
	"log/slog"

	"github.com/botgate/botgate/internal/identity"
)

// Persister upserts thread and user records after each completed non-button
// envelope. Persistence is best-effort relative to the reply path: failures
// are logged and swallowed, never surfaced to the user.
type Persister struct {
	layer Layer
}

// NewPersister wraps a data layer. A nil layer makes Sync a no-op.
func NewPersister(layer Layer) *Persister {
	return &Persister{layer: layer}
}

// Sync upserts the thread and user for a completed envelope. Idempotent per
// (thread id, user id); concurrent envelopes for the same conversation may
// race here and either order leaves the same stored state.
func (p *Persister) Sync(ctx context.Context, threadID identity.ThreadID, userID identity.UserID, displayName, threadName string, metadata map[string]any) {
	if p == nil || p.layer == nil {
		return
	}
	if err := p.layer.UpsertThread(ctx, threadID, threadName, metadata); err != nil {
		slog.Error("thread upsert failed", "thread_id", threadID, "error", err)
	}
	if err := p.layer.UpsertUser(ctx, userID, displayName); err != nil {
		slog.Error("user upsert failed", "user_id", userID, "error", err)
	}
}
