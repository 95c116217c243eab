// Package identity derives deterministic thread and user identifiers from
// channel envelopes.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserPrefix namespaces channel user ids so they cannot collide with ids
// from other channels in the data layer.
const UserPrefix = "teams_"

// ThreadID groups all conversation turns from one conversation on one
// calendar day into a single logical thread.
type ThreadID string

// UserID identifies a sender. Derived from the display name; distinct sender
// ids with identical display names collapse into one user (accepted
// limitation).
type UserID string

// ErrEmptyConversation is returned when the envelope carries no
// conversation id.
var ErrEmptyConversation = errors.New("empty conversation id")

// Resolve derives the thread and user identifiers for an envelope. The
// thread id is a name-based uuid over conversation id plus calendar date, so
// repeated envelopes from the same conversation converge on one thread until
// the wall-clock day rolls over. Pure apart from the caller-supplied clock.
func Resolve(conversationID, senderName string, now time.Time) (ThreadID, UserID, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", "", ErrEmptyConversation
	}
	day := now.Format(time.DateOnly)
	thread := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(conversationID+day))
	return ThreadID(thread.String()), UserID(UserPrefix + strings.TrimSpace(senderName)), nil
}
