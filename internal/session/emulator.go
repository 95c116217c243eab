package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/botgate/botgate/internal/activity"
	"github.com/botgate/botgate/internal/identity"
)

const failureText = "Something went wrong while handling your message. Please try again."

// Hooks are the application lifecycle callbacks driven once per envelope.
// Any of them may be nil.
type Hooks struct {
	OnSessionStart func(ctx context.Context, s *Session) error
	OnMessage      func(ctx context.Context, s *Session, msg *Message) error
	OnSessionEnd   func(ctx context.Context, s *Session) error
}

// Fetcher resolves an attachment URL to its bytes and MIME type.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, declaredType string) ([]byte, string, error)
}

// Emulator runs the session lifecycle for each inbound envelope.
type Emulator struct {
	hooks   Hooks
	fetcher Fetcher
	// typing, when set, is invoked best-effort before the message hook so
	// the channel shows activity while the hook runs.
	typing func(ctx context.Context, env *activity.InboundEnvelope)
}

// NewEmulator builds an Emulator. fetcher and typing may be nil.
func NewEmulator(hooks Hooks, fetcher Fetcher, typing func(ctx context.Context, env *activity.InboundEnvelope)) *Emulator {
	return &Emulator{hooks: hooks, fetcher: fetcher, typing: typing}
}

// Run executes the full lifecycle for one envelope: session start, message,
// session end. It returns the collected replies and a snapshot of the session
// store, which the caller persists as thread metadata. Session end runs
// exactly once, before the replies are snapshotted, so replies it emits are
// delivered like any other; it still runs after a hook error or panic. On
// start or message failure the collected replies are replaced with a single
// generic failure message so the user sees exactly one answer.
func (e *Emulator) Run(ctx context.Context, env *activity.InboundEnvelope, threadID identity.ThreadID, userID identity.UserID) ([]*activity.OutboundMessage, map[string]any) {
	s := New(env, threadID, userID)
	failed := false
	ended := false

	endSession := func() {
		if ended {
			return
		}
		ended = true
		if err := e.runHook(ctx, "session_end", func(ctx context.Context) error {
			if e.hooks.OnSessionEnd == nil {
				return nil
			}
			return e.hooks.OnSessionEnd(ctx, s)
		}); err != nil {
			slog.Error("session end hook failed", "session", s.ID, "error", err)
		}
	}
	// Backstop only: hooks are panic-recovered, so the normal path ends the
	// session in the body below, before replies are snapshotted.
	defer endSession()

	if err := e.runHook(ctx, "session_start", func(ctx context.Context) error {
		if e.hooks.OnSessionStart == nil {
			return nil
		}
		return e.hooks.OnSessionStart(ctx, s)
	}); err != nil {
		slog.Error("session start hook failed", "session", s.ID, "error", err)
		failed = true
	}

	if !failed {
		if e.typing != nil {
			e.typing(ctx, env)
		}
		msg := e.buildMessage(ctx, env)
		if err := e.runHook(ctx, "message", func(ctx context.Context) error {
			if e.hooks.OnMessage == nil {
				return nil
			}
			return e.hooks.OnMessage(ctx, s, msg)
		}); err != nil {
			slog.Error("message hook failed", "session", s.ID, "error", err)
			failed = true
		}
	}

	endSession()

	if failed {
		return []*activity.OutboundMessage{{
			Text: failureText,
			Kind: activity.KindSystem,
		}}, s.Values()
	}
	return s.Replies(), s.Values()
}

// buildMessage assembles the app-level message, fetching attachment bytes.
// A failed fetch drops that attachment and keeps the rest.
func (e *Emulator) buildMessage(ctx context.Context, env *activity.InboundEnvelope) *Message {
	msg := &Message{Text: env.Text, Author: env.Sender.Name}
	for _, ref := range env.Attachments {
		el, ok := e.resolveAttachment(ctx, ref)
		if ok {
			msg.Elements = append(msg.Elements, el)
		}
	}
	return msg
}

func (e *Emulator) resolveAttachment(ctx context.Context, ref activity.AttachmentRef) (activity.Element, bool) {
	el := activity.Element{
		Name:    ref.Name,
		Mime:    ref.ContentType,
		Display: activity.DisplayInline,
	}
	if len(ref.Content) > 0 {
		el.Content = ref.Content
		return el, true
	}
	if ref.ContentURL == "" {
		return activity.Element{}, false
	}
	if e.fetcher == nil {
		el.URL = ref.ContentURL
		return el, true
	}
	data, mime, err := e.fetcher.Fetch(ctx, ref.ContentURL, ref.ContentType)
	if err != nil {
		slog.Warn("attachment fetch failed", "name", ref.Name, "url", ref.ContentURL, "error", err)
		return activity.Element{}, false
	}
	el.Content = data
	el.Mime = mime
	return el, true
}

// runHook invokes fn and converts a panic into an error so a misbehaving
// hook cannot take down the process or skip the rest of the lifecycle.
func (e *Emulator) runHook(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s hook panic: %v", name, r)
		}
	}()
	return fn(ctx)
}
