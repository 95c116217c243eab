// Package feedback handles the like/dislike round trip: remembering which
// channel message carries each correlation id, recording votes, and editing
// the message so the buttons collapse into a glyph.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/botgate/botgate/internal/activity"
	"github.com/botgate/botgate/internal/connector"
	"github.com/botgate/botgate/internal/data"
	"github.com/botgate/botgate/internal/identity"
)

// EditSender edits an already-sent channel activity.
type EditSender interface {
	UpdateActivity(ctx context.Context, ref connector.ConversationRef, activityID string, payload map[string]any) error
}

// SentMessage maps a correlation id back to the channel activity that
// carries it.
type SentMessage struct {
	ActivityID string
	Ref        connector.ConversationRef
}

// Controller records feedback clicks and acknowledges them in-channel.
// The correlation table is in-memory only; clicks on messages sent before
// the last restart are dropped silently.
type Controller struct {
	layer  data.Layer
	sender EditSender

	mu            sync.RWMutex
	byCorrelation map[string]SentMessage
}

func NewController(layer data.Layer, sender EditSender) *Controller {
	return &Controller{
		layer:         layer,
		sender:        sender,
		byCorrelation: map[string]SentMessage{},
	}
}

// Enabled reports whether feedback collection is active. Without a data
// layer there is nowhere to record votes, so outbound messages are sent
// without buttons and clicks are ignored.
func (c *Controller) Enabled() bool {
	return c != nil && c.layer != nil
}

// Record remembers where a correlation id ended up on the channel.
func (c *Controller) Record(correlationID, activityID string, ref connector.ConversationRef) {
	if correlationID == "" || activityID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCorrelation[correlationID] = SentMessage{ActivityID: activityID, Ref: ref}
}

// HandleClick processes one button click: upsert the vote keyed by
// correlation id (a repeat click overwrites the previous vote), then edit
// the original message to show the glyph. An unknown correlation id is a
// silent no-op.
func (c *Controller) HandleClick(ctx context.Context, vote, correlationID string, threadID identity.ThreadID, userID identity.UserID) {
	if !c.Enabled() {
		return
	}
	if vote != activity.VoteUp && vote != activity.VoteDown {
		slog.Warn("feedback click with unknown vote", "vote", vote)
		return
	}
	if correlationID == "" {
		return
	}

	rec := data.FeedbackRecord{
		CorrelationID: correlationID,
		ThreadID:      threadID,
		UserID:        userID,
		Vote:          vote,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.layer.UpsertFeedback(ctx, rec); err != nil {
		slog.Error("feedback upsert failed", "correlation_id", correlationID, "error", err)
		return
	}

	c.mu.RLock()
	sent, ok := c.byCorrelation[correlationID]
	c.mu.RUnlock()
	if !ok {
		slog.Debug("feedback click for unknown message", "correlation_id", correlationID)
		return
	}
	if c.sender == nil {
		return
	}
	payload := activity.EncodeVoteAck(sent.ActivityID, vote)
	if err := c.sender.UpdateActivity(ctx, sent.Ref, sent.ActivityID, payload); err != nil {
		slog.Warn("feedback ack edit failed", "correlation_id", correlationID, "error", err)
	}
}
