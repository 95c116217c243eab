package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, apiURL string) (*Client, *int32) {
	t.Helper()
	var tokenCalls int32
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		if err := r.ParseForm(); err != nil || r.PostFormValue("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-abc",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(login.Close)

	return NewClient(Options{
		AppID:     "app-1",
		AppSecret: "secret",
		TenantID:  "botframework.com",
		LoginBase: login.URL,
		APIBase:   apiURL,
	}), &tokenCalls
}

func TestSendActivityReturnsMessageID(t *testing.T) {
	var got map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "msg-42"})
	}))
	defer api.Close()

	c, tokenCalls := newTestClient(t, api.URL)
	ref := ConversationRef{ConversationID: "conv-1"}

	id, err := c.SendActivity(context.Background(), ref, map[string]any{"type": "message", "text": "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-42" {
		t.Fatalf("unexpected message id: %q", id)
	}
	if got["text"] != "hi" {
		t.Fatalf("payload not forwarded: %#v", got)
	}

	// A second send reuses the cached token.
	if _, err := c.SendActivity(context.Background(), ref, map[string]any{"type": "message"}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if n := atomic.LoadInt32(tokenCalls); n != 1 {
		t.Fatalf("expected 1 token fetch, got %d", n)
	}
}

func TestSendActivityRetriesServerErrors(t *testing.T) {
	var calls int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "msg-1"})
	}))
	defer api.Close()

	c, _ := newTestClient(t, api.URL)
	id, err := c.SendActivity(context.Background(), ConversationRef{ConversationID: "conv-1"}, map[string]any{"type": "message"})
	if err != nil {
		t.Fatalf("send after retry: %v", err)
	}
	if id != "msg-1" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry then success, id=%q calls=%d", id, calls)
	}
}

func TestUpdateActivityRequiresID(t *testing.T) {
	c, _ := newTestClient(t, "http://example.invalid")
	if err := c.UpdateActivity(context.Background(), ConversationRef{ConversationID: "conv-1"}, "  ", nil); err == nil {
		t.Fatal("expected missing activity id error")
	}
}

func TestSendRawRejectsInvalidJSON(t *testing.T) {
	c, _ := newTestClient(t, "http://example.invalid")
	if _, err := c.SendRaw(context.Background(), ConversationRef{ConversationID: "conv-1"}, []byte("{nope")); err == nil {
		t.Fatal("expected invalid json error")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("2"); d != 2*time.Second {
		t.Fatalf("expected 2s, got %v", d)
	}
	future := time.Now().Add(3 * time.Second).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d <= 0 {
		t.Fatalf("expected positive duration for http date, got %v", d)
	}
	if d := parseRetryAfter("invalid"); d != 0 {
		t.Fatalf("expected 0 for invalid value, got %v", d)
	}
}

func TestActivitiesURL(t *testing.T) {
	c := NewClient(Options{})
	ref := ConversationRef{ServiceURL: "https://smba.trafficmanager.net/emea/", ConversationID: "a:1 b"}
	u := c.activitiesURL(ref, "")
	if u != "https://smba.trafficmanager.net/emea/v3/conversations/a:1%20b/activities" {
		t.Fatalf("unexpected url: %q", u)
	}
	if got := c.activitiesURL(ref, "act-1"); got != u+"/act-1" {
		t.Fatalf("unexpected activity url: %q", got)
	}
}
