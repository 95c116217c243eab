package activity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"
	"unicode"
)

// Decode errors. Unsupported activity types are distinguished from malformed
// envelopes so the endpoint can acknowledge them without logging an error;
// the channel retries on anything but a success status.
var (
	ErrMalformed           = errors.New("malformed envelope")
	ErrUnsupportedActivity = errors.New("unsupported activity type")
)

// Codec translates between channel-native activity JSON and the internal
// message model.
type Codec struct {
	MaxMessageLen  int
	InlineMaxBytes int
}

// Decode parses a channel-native envelope. Only plain messages (including
// button-click submissions, which arrive as messages carrying a value payload)
// are supported.
func (c *Codec) Decode(raw []byte) (*InboundEnvelope, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if typ := strings.ToLower(strings.TrimSpace(asString(payload["type"]))); typ != "message" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedActivity, typ)
	}

	from, _ := payload["from"].(map[string]any)
	recipient, _ := payload["recipient"].(map[string]any)
	conv, _ := payload["conversation"].(map[string]any)

	env := &InboundEnvelope{
		ChannelID:      strings.TrimSpace(asString(payload["channelId"])),
		ConversationID: strings.TrimSpace(asString(conv["id"])),
		Sender: ChannelAccount{
			ID:   strings.TrimSpace(asString(from["id"])),
			Name: strings.TrimSpace(asString(from["name"])),
		},
		Recipient: ChannelAccount{
			ID:   strings.TrimSpace(asString(recipient["id"])),
			Name: strings.TrimSpace(asString(recipient["name"])),
		},
		Text:       cleanMentionText(asString(payload["text"])),
		ActivityID: strings.TrimSpace(asString(payload["id"])),
		ReplyToID:  strings.TrimSpace(asString(payload["replyToId"])),
		ServiceURL: strings.TrimSpace(asString(payload["serviceUrl"])),
	}
	if env.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrMalformed)
	}
	if ts := strings.TrimSpace(asString(payload["timestamp"])); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.Timestamp = parsed
		}
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if value, ok := payload["value"].(map[string]any); ok && len(value) > 0 {
		env.Value = value
	}
	env.Attachments = decodeAttachments(payload["attachments"])
	return env, nil
}

func decodeAttachments(v any) []AttachmentRef {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]AttachmentRef, 0, len(items))
	for _, item := range items {
		m, _ := item.(map[string]any)
		if m == nil {
			continue
		}
		ref := AttachmentRef{
			Name:        strings.TrimSpace(asString(m["name"])),
			ContentType: strings.TrimSpace(asString(m["contentType"])),
			ContentURL:  strings.TrimSpace(asString(m["contentUrl"])),
		}
		// File uploads carry their real download location inside the content
		// object; the top-level contentUrl may be a preview.
		if content, ok := m["content"].(map[string]any); ok {
			if dl := strings.TrimSpace(asString(content["downloadUrl"])); dl != "" {
				ref.ContentURL = dl
			}
		}
		// The channel mirrors message text as an html attachment; skip it.
		if strings.HasPrefix(strings.ToLower(ref.ContentType), "text/html") {
			continue
		}
		// Inline bytes arrive as a data: URL.
		if strings.HasPrefix(strings.ToLower(ref.ContentURL), "data:") {
			if data, mimeType, err := decodeDataURL(ref.ContentURL); err == nil {
				ref.Content = data
				ref.ContentURL = ""
				if ref.ContentType == "" {
					ref.ContentType = mimeType
				}
			} else {
				continue
			}
		}
		if ref.ContentURL == "" && len(ref.Content) == 0 {
			continue
		}
		out = append(out, ref)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ReplyContext addresses an encoded reply back to the conversation that
// produced the inbound envelope.
type ReplyContext struct {
	ConversationID string
	From           ChannelAccount
	Recipient      ChannelAccount
	ReplyToID      string
}

// ReplyTo builds the reply context for an inbound envelope: the bot (original
// recipient) becomes the sender.
func ReplyTo(env *InboundEnvelope) ReplyContext {
	return ReplyContext{
		ConversationID: env.ConversationID,
		From:           env.Recipient,
		Recipient:      env.Sender,
		ReplyToID:      env.ActivityID,
	}
}

// Encode serializes an outbound message to channel-native activity JSON.
// Text is truncated at a safe boundary, never chunked. When withFeedback is
// set and the message is an app message, a two-button feedback card is
// appended carrying the message correlation id in each button payload.
func (c *Codec) Encode(msg *OutboundMessage, ref ReplyContext, withFeedback bool) ([]byte, error) {
	payload := map[string]any{
		"type":         "message",
		"conversation": map[string]any{"id": ref.ConversationID},
	}
	if ref.From.ID != "" {
		payload["from"] = ref.From
	}
	if ref.Recipient.ID != "" {
		payload["recipient"] = ref.Recipient
	}
	if rid := strings.TrimSpace(ref.ReplyToID); rid != "" {
		payload["replyToId"] = rid
	}
	if text := truncate(msg.Text, c.MaxMessageLen); text != "" {
		payload["text"] = text
	}

	attachments := make([]map[string]any, 0, len(msg.Elements)+1)
	for _, el := range msg.Elements {
		att, ok := c.encodeElement(el)
		if !ok {
			continue
		}
		attachments = append(attachments, att)
	}
	if withFeedback && msg.Kind != KindSystem {
		attachments = append(attachments, feedbackCard(msg.CorrelationID))
	}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	return json.Marshal(payload)
}

// EncodeVoteAck builds the edit that replaces a sent message's feedback
// buttons with the acknowledgement glyph for the recorded vote.
func EncodeVoteAck(activityID, vote string) map[string]any {
	return map[string]any{
		"type":        "message",
		"id":          strings.TrimSpace(activityID),
		"text":        VoteGlyph(vote),
		"attachments": []map[string]any{},
	}
}

func (c *Codec) encodeElement(el Element) (map[string]any, bool) {
	if el.Display != "" && el.Display != DisplayInline {
		slog.Debug("dropping element with unsupported display mode", "name", el.Name, "display", el.Display)
		return nil, false
	}
	mimeType := strings.TrimSpace(el.Mime)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	name := elementFileName(el.Name, mimeType)

	switch {
	case len(el.Content) > 0 && (c.InlineMaxBytes <= 0 || len(el.Content) <= c.InlineMaxBytes):
		encoded := base64.StdEncoding.EncodeToString(el.Content)
		return map[string]any{
			"contentType": mimeType,
			"contentUrl":  "data:" + mimeType + ";base64," + encoded,
			"name":        name,
		}, true
	case strings.TrimSpace(el.URL) != "":
		return map[string]any{
			"contentType": mimeType,
			"contentUrl":  strings.TrimSpace(el.URL),
			"name":        name,
		}, true
	default:
		slog.Warn("dropping element with no transmittable content", "name", el.Name, "bytes", len(el.Content))
		return nil, false
	}
}

func elementFileName(name, mimeType string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "untitled"
	}
	if strings.Contains(name, ".") {
		return name
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return name + exts[0]
	}
	return name
}

func feedbackCard(correlationID string) map[string]any {
	button := func(vote string) map[string]any {
		return map[string]any{
			"type":  "messageBack",
			"title": VoteGlyph(vote),
			"text":  vote,
			"value": map[string]any{
				clickVoteKey:    vote,
				clickMessageKey: correlationID,
			},
		}
	}
	return map[string]any{
		"contentType": "application/vnd.microsoft.card.hero",
		"content": map[string]any{
			"buttons": []map[string]any{button(VoteUp), button(VoteDown)},
		},
	}
}

// truncate cuts text to at most max runes, backing up to the last whitespace
// near the cut so a word is never split. No chunking: the remainder is lost.
func truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := max
	for i := max - 1; i > max-200 && i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}

func decodeDataURL(raw string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data url")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data url missing payload")
	}
	mimeType, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, "base64") {
		return nil, "", fmt.Errorf("data url not base64-encoded")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url payload: %w", err)
	}
	return data, strings.TrimSpace(mimeType), nil
}

// cleanMentionText strips <at>…</at> mention tags and collapses whitespace.
func cleanMentionText(text string) string {
	trimmed := strings.TrimSpace(text)
	for {
		start := strings.Index(strings.ToLower(trimmed), "<at>")
		if start < 0 {
			break
		}
		rest := trimmed[start:]
		endRel := strings.Index(strings.ToLower(rest), "</at>")
		if endRel < 0 {
			break
		}
		end := start + endRel + len("</at>")
		trimmed = strings.TrimSpace(trimmed[:start] + " " + trimmed[end:])
	}
	return strings.Join(strings.Fields(trimmed), " ")
}
