// Package session emulates a session-oriented conversation lifecycle on top
// of the stateless webhook transport: one ephemeral Session per inbound
// envelope, three lifecycle hooks, and a reply collector.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/botgate/botgate/internal/activity"
	"github.com/botgate/botgate/internal/identity"
)

// Session is the ephemeral per-envelope session handed to application hooks.
// It is created when envelope processing starts and discarded when it
// completes; nothing written to it is visible to any other envelope, even
// from the same conversation.
type Session struct {
	ID       string
	ThreadID identity.ThreadID
	UserID   identity.UserID
	// Envelope is the raw decoded envelope, for hooks that need channel-level
	// detail beyond the app message.
	Envelope *activity.InboundEnvelope

	mu      sync.RWMutex
	values  map[string]any
	replies []*activity.OutboundMessage
}

// New creates a Session for one envelope.
func New(env *activity.InboundEnvelope, threadID identity.ThreadID, userID identity.UserID) *Session {
	return &Session{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		UserID:   userID,
		Envelope: env,
		values:   map[string]any{},
	}
}

// Get returns a session value by key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a session value by key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a session value.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Values returns a copy of the session store, used as thread metadata when
// the envelope is persisted.
func (s *Session) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Reply queues an outbound message. Hooks call this zero or more times;
// emission order is preserved. A correlation id is assigned if the message
// does not carry one.
func (s *Session) Reply(msg *activity.OutboundMessage) {
	if msg == nil {
		return
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = activity.KindApp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, msg)
}

// Replies returns the collected outbound messages in emission order.
func (s *Session) Replies() []*activity.OutboundMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*activity.OutboundMessage, len(s.replies))
	copy(out, s.replies)
	return out
}

// Message is the application-level view of one inbound envelope: cleaned
// text plus the attachments that could be fetched.
type Message struct {
	Text     string
	Author   string
	Elements []activity.Element
}
