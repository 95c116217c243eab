// Package activity implements the codec between channel-native message
// envelopes and the bridge's internal message model.
package activity

import (
	"strings"
	"time"
)

// Display modes for outbound elements.
const (
	DisplayInline = "inline"
	DisplayFile   = "file"
)

// Outbound message kinds. Feedback buttons are only attached to app messages.
const (
	KindApp    = "app"
	KindSystem = "system"
)

// Votes carried in button-click payloads.
const (
	VoteUp   = "up"
	VoteDown = "down"
)

// Keys used inside the button-click value payload. The correlation id rides
// inside the channel payload so a click can be matched to a sent message
// without any live connection between the two envelopes.
const (
	clickVoteKey    = "vote"
	clickMessageKey = "message_id"
)

// ChannelAccount identifies a party on the channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AttachmentRef points at one inbound attachment, either by download URL or
// by inline bytes the channel embedded in the envelope.
type AttachmentRef struct {
	Name        string
	ContentType string
	ContentURL  string
	Content     []byte
}

// InboundEnvelope is the decoded channel envelope. Immutable once decoded.
type InboundEnvelope struct {
	ChannelID      string
	ConversationID string
	Sender         ChannelAccount
	Recipient      ChannelAccount
	Text           string
	Attachments    []AttachmentRef
	Value          map[string]any
	ActivityID     string
	ReplyToID      string
	ServiceURL     string
	Timestamp      time.Time
}

// IsClick reports whether the envelope is a feedback-button submission rather
// than an ordinary text message.
func (e *InboundEnvelope) IsClick() bool {
	vote, correlationID := e.ClickPayload()
	return vote != "" && correlationID != ""
}

// ClickPayload extracts the vote and message correlation id from a
// button-click envelope. Both are empty for ordinary messages.
func (e *InboundEnvelope) ClickPayload() (vote, correlationID string) {
	if e.Value == nil {
		return "", ""
	}
	vote = strings.TrimSpace(asString(e.Value[clickVoteKey]))
	if vote != VoteUp && vote != VoteDown {
		return "", ""
	}
	return vote, strings.TrimSpace(asString(e.Value[clickMessageKey]))
}

// Element is one outbound attachment: inline bytes or an external URL.
type Element struct {
	Name    string
	Content []byte
	URL     string
	Mime    string
	Display string
}

// OutboundMessage is one reply produced by the application hooks.
type OutboundMessage struct {
	Text          string
	Elements      []Element
	Kind          string
	CorrelationID string
}

// VoteGlyph returns the acknowledgement glyph that replaces the feedback
// buttons once a vote is recorded.
func VoteGlyph(vote string) string {
	if vote == VoteDown {
		return "\U0001F44E"
	}
	return "\U0001F44D"
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}
