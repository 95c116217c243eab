package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/botgate/botgate/internal/activity"
	"github.com/botgate/botgate/internal/identity"
)

type stubFetcher struct {
	data map[string][]byte
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL, declaredType string) ([]byte, string, error) {
	data, ok := f.data[rawURL]
	if !ok {
		return nil, "", fmt.Errorf("fetch %s: not found", rawURL)
	}
	return data, declaredType, nil
}

func testEnvelope() *activity.InboundEnvelope {
	return &activity.InboundEnvelope{
		ConversationID: "conv-1",
		Sender:         activity.ChannelAccount{ID: "user-1", Name: "Alice"},
		Recipient:      activity.ChannelAccount{ID: "bot-1", Name: "bot"},
		Text:           "hello",
	}
}

func TestRunLifecycleOrder(t *testing.T) {
	var calls []string
	hooks := Hooks{
		OnSessionStart: func(_ context.Context, s *Session) error {
			calls = append(calls, "start")
			s.Set("greeted", true)
			return nil
		},
		OnMessage: func(_ context.Context, s *Session, msg *Message) error {
			calls = append(calls, "message")
			if v, ok := s.Get("greeted"); !ok || v != true {
				t.Fatal("session state not visible across hooks")
			}
			s.Reply(&activity.OutboundMessage{Text: "re: " + msg.Text})
			s.Reply(&activity.OutboundMessage{Text: "second"})
			return nil
		},
		OnSessionEnd: func(_ context.Context, _ *Session) error {
			calls = append(calls, "end")
			return nil
		},
	}
	typingCalled := false
	e := NewEmulator(hooks, nil, func(_ context.Context, _ *activity.InboundEnvelope) {
		typingCalled = true
	})

	replies, _ := e.Run(context.Background(), testEnvelope(), identity.ThreadID("t1"), identity.UserID("u1"))

	if len(calls) != 3 || calls[0] != "start" || calls[1] != "message" || calls[2] != "end" {
		t.Fatalf("unexpected hook order: %v", calls)
	}
	if !typingCalled {
		t.Fatal("typing indicator not sent")
	}
	if len(replies) != 2 || replies[0].Text != "re: hello" || replies[1].Text != "second" {
		t.Fatalf("unexpected replies: %+v", replies)
	}
	if replies[0].CorrelationID == "" || replies[0].CorrelationID == replies[1].CorrelationID {
		t.Fatal("replies must carry distinct correlation ids")
	}
	if replies[0].Kind != activity.KindApp {
		t.Fatalf("default reply kind should be app, got %q", replies[0].Kind)
	}
}

func TestRunDeliversSessionEndReplies(t *testing.T) {
	hooks := Hooks{
		OnMessage: func(_ context.Context, s *Session, msg *Message) error {
			s.Reply(&activity.OutboundMessage{Text: "re: " + msg.Text})
			return nil
		},
		OnSessionEnd: func(_ context.Context, s *Session) error {
			s.Reply(&activity.OutboundMessage{Text: "goodbye"})
			return nil
		},
	}
	e := NewEmulator(hooks, nil, nil)
	replies, _ := e.Run(context.Background(), testEnvelope(), "t1", "u1")

	if len(replies) != 2 {
		t.Fatalf("reply emitted in session-end hook was dropped: got %+v", replies)
	}
	if replies[0].Text != "re: hello" || replies[1].Text != "goodbye" {
		t.Fatalf("unexpected reply order: %+v", replies)
	}
	if replies[1].CorrelationID == "" || replies[1].Kind != activity.KindApp {
		t.Fatalf("session-end reply missing collector defaults: %+v", replies[1])
	}
}

func TestRunReturnsSessionSnapshot(t *testing.T) {
	hooks := Hooks{
		OnMessage: func(_ context.Context, s *Session, _ *Message) error {
			s.Set("topic", "greetings")
			return nil
		},
	}
	e := NewEmulator(hooks, nil, nil)
	_, values := e.Run(context.Background(), testEnvelope(), "t1", "u1")

	if values["topic"] != "greetings" {
		t.Fatalf("session state missing from snapshot: %#v", values)
	}
}

func TestRunMessageHookErrorYieldsSingleFailureReply(t *testing.T) {
	endCalls := 0
	hooks := Hooks{
		OnMessage: func(_ context.Context, s *Session, _ *Message) error {
			s.Reply(&activity.OutboundMessage{Text: "partial"})
			return errors.New("boom")
		},
		OnSessionEnd: func(_ context.Context, _ *Session) error {
			endCalls++
			return nil
		},
	}
	e := NewEmulator(hooks, nil, nil)
	replies, _ := e.Run(context.Background(), testEnvelope(), "t1", "u1")

	if endCalls != 1 {
		t.Fatalf("session end must run exactly once, ran %d times", endCalls)
	}
	if len(replies) != 1 || replies[0].Kind != activity.KindSystem {
		t.Fatalf("expected single system failure reply, got %+v", replies)
	}
}

func TestRunStartHookErrorSkipsMessageHook(t *testing.T) {
	messageCalled := false
	hooks := Hooks{
		OnSessionStart: func(_ context.Context, _ *Session) error {
			return errors.New("no session for you")
		},
		OnMessage: func(_ context.Context, _ *Session, _ *Message) error {
			messageCalled = true
			return nil
		},
	}
	e := NewEmulator(hooks, nil, nil)
	replies, _ := e.Run(context.Background(), testEnvelope(), "t1", "u1")
	if messageCalled {
		t.Fatal("message hook must not run after start failure")
	}
	if len(replies) != 1 || replies[0].Kind != activity.KindSystem {
		t.Fatalf("expected failure reply, got %+v", replies)
	}
}

func TestRunRecoversHookPanic(t *testing.T) {
	endCalls := 0
	hooks := Hooks{
		OnMessage: func(_ context.Context, _ *Session, _ *Message) error {
			panic("hook exploded")
		},
		OnSessionEnd: func(_ context.Context, _ *Session) error {
			endCalls++
			return nil
		},
	}
	e := NewEmulator(hooks, nil, nil)
	replies, _ := e.Run(context.Background(), testEnvelope(), "t1", "u1")
	if endCalls != 1 {
		t.Fatalf("session end must still run after panic, ran %d times", endCalls)
	}
	if len(replies) != 1 || replies[0].Kind != activity.KindSystem {
		t.Fatalf("expected failure reply after panic, got %+v", replies)
	}
}

func TestRunFetchesAttachmentsAndDropsFailures(t *testing.T) {
	env := testEnvelope()
	env.Attachments = []activity.AttachmentRef{
		{Name: "ok.png", ContentType: "image/png", ContentURL: "https://files.example.com/ok.png"},
		{Name: "gone.pdf", ContentType: "application/pdf", ContentURL: "https://files.example.com/gone.pdf"},
		{Name: "inline.txt", ContentType: "text/plain", Content: []byte("already here")},
	}
	fetcher := &stubFetcher{data: map[string][]byte{
		"https://files.example.com/ok.png": []byte("png-bytes"),
	}}

	var got []activity.Element
	hooks := Hooks{
		OnMessage: func(_ context.Context, _ *Session, msg *Message) error {
			got = msg.Elements
			return nil
		},
	}
	e := NewEmulator(hooks, fetcher, nil)
	e.Run(context.Background(), env, "t1", "u1")

	if len(got) != 2 {
		t.Fatalf("expected 2 resolved elements, got %+v", got)
	}
	if got[0].Name != "ok.png" || string(got[0].Content) != "png-bytes" {
		t.Fatalf("fetched element wrong: %+v", got[0])
	}
	if got[1].Name != "inline.txt" || string(got[1].Content) != "already here" {
		t.Fatalf("inline element wrong: %+v", got[1])
	}
}

func TestSessionIsolation(t *testing.T) {
	var first, second *Session
	hooks := Hooks{
		OnMessage: func(_ context.Context, s *Session, _ *Message) error {
			if first == nil {
				first = s
				s.Set("secret", "a")
			} else {
				second = s
			}
			return nil
		},
	}
	e := NewEmulator(hooks, nil, nil)
	env := testEnvelope()
	e.Run(context.Background(), env, "t1", "u1")
	e.Run(context.Background(), env, "t1", "u1")

	if first.ID == second.ID {
		t.Fatal("each envelope must get a fresh session id")
	}
	if _, ok := second.Get("secret"); ok {
		t.Fatal("session state leaked between envelopes")
	}
}

func TestSessionKVStore(t *testing.T) {
	s := New(testEnvelope(), "t1", "u1")
	s.Set("k", 42)
	if v, ok := s.Get("k"); !ok || v != 42 {
		t.Fatalf("get after set: %v %v", v, ok)
	}
	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Fatal("delete did not remove key")
	}
	s.Set("a", 1)
	values := s.Values()
	values["a"] = 2
	if v, _ := s.Get("a"); v != 1 {
		t.Fatal("Values must return a copy")
	}
}
