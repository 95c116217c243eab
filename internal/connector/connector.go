// Package connector is the outbound client for the bot channel's REST
// service: client-credentials token exchange plus activity send, update, and
// typing calls.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tokenSlack is how long before expiry a cached token is considered stale.
const tokenSlack = 2 * time.Minute

// ConversationRef addresses one conversation on the channel service.
type ConversationRef struct {
	ServiceURL     string
	ConversationID string
}

// Client talks to the channel's REST service, authenticating with a cached
// client-credentials token.
type Client struct {
	appID     string
	appSecret string
	tenantID  string
	loginBase string
	apiBase   string
	client    *http.Client

	mu    sync.RWMutex
	token tokenCache
}

type tokenCache struct {
	accessToken string
	expiresAt   time.Time
}

// Options configures a Client.
type Options struct {
	AppID     string
	AppSecret string
	TenantID  string
	// LoginBase overrides the identity provider endpoint (tests).
	LoginBase string
	// APIBase overrides the per-conversation service URL (tests).
	APIBase    string
	HTTPClient *http.Client
}

// NewClient creates a connector Client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	loginBase := strings.TrimSpace(opts.LoginBase)
	if loginBase == "" {
		loginBase = "https://login.microsoftonline.com"
	}
	return &Client{
		appID:     strings.TrimSpace(opts.AppID),
		appSecret: strings.TrimSpace(opts.AppSecret),
		tenantID:  strings.TrimSpace(opts.TenantID),
		loginBase: loginBase,
		apiBase:   strings.TrimSpace(opts.APIBase),
		client:    httpClient,
	}
}

// SendActivity posts an activity to the conversation and returns the
// channel-native message id assigned to it.
func (c *Client) SendActivity(ctx context.Context, ref ConversationRef, payload map[string]any) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}
	var messageID string
	err = withRetry(3, 300*time.Millisecond, func() (bool, error) {
		body, _ := json.Marshal(payload)
		u := c.activitiesURL(ref, "")
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			bb, _ := io.ReadAll(resp.Body)
			if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
				time.Sleep(d)
			}
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return retryable, fmt.Errorf("send activity failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(bb)))
		}
		var out struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		messageID = strings.TrimSpace(out.ID)
		return false, nil
	})
	return messageID, err
}

// SendRaw posts pre-encoded activity JSON, returning the assigned message id.
func (c *Client) SendRaw(ctx context.Context, ref ConversationRef, raw []byte) (string, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("invalid activity json: %w", err)
	}
	return c.SendActivity(ctx, ref, payload)
}

// UpdateActivity replaces a previously sent activity in place.
func (c *Client) UpdateActivity(ctx context.Context, ref ConversationRef, activityID string, payload map[string]any) error {
	activityID = strings.TrimSpace(activityID)
	if activityID == "" {
		return errors.New("missing activity id")
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	return withRetry(3, 300*time.Millisecond, func() (bool, error) {
		body, _ := json.Marshal(payload)
		u := c.activitiesURL(ref, activityID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			bb, _ := io.ReadAll(resp.Body)
			if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
				time.Sleep(d)
			}
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return retryable, fmt.Errorf("update activity failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(bb)))
		}
		return false, nil
	})
}

// Typing sends a typing indicator to the conversation.
func (c *Client) Typing(ctx context.Context, ref ConversationRef, from, recipient map[string]any) error {
	payload := map[string]any{
		"type":         "typing",
		"conversation": map[string]any{"id": ref.ConversationID},
	}
	if len(from) > 0 {
		payload["from"] = from
	}
	if len(recipient) > 0 {
		payload["recipient"] = recipient
	}
	_, err := c.SendActivity(ctx, ref, payload)
	return err
}

func (c *Client) activitiesURL(ref ConversationRef, activityID string) string {
	base := strings.TrimRight(strings.TrimSpace(ref.ServiceURL), "/")
	if c.apiBase != "" {
		base = strings.TrimRight(c.apiBase, "/")
	}
	u := fmt.Sprintf("%s/v3/conversations/%s/activities", base, url.PathEscape(ref.ConversationID))
	if activityID != "" {
		u += "/" + url.PathEscape(activityID)
	}
	return u
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	cache := c.token
	c.mu.RUnlock()
	if cache.accessToken != "" && time.Until(cache.expiresAt) > tokenSlack {
		return cache.accessToken, nil
	}

	if c.appID == "" || c.appSecret == "" || c.tenantID == "" {
		return "", errors.New("missing channel app credentials")
	}

	var token string
	var exp time.Time
	err := withRetry(3, 300*time.Millisecond, func() (bool, error) {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", c.appID)
		form.Set("client_secret", c.appSecret)
		form.Set("scope", "https://api.botframework.com/.default")
		endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(c.loginBase, "/"), url.PathEscape(c.tenantID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.client.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		var out struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
			Error       string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		if strings.TrimSpace(out.AccessToken) == "" {
			if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
				time.Sleep(d)
			}
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			if out.Error == "" {
				out.Error = "token response missing access_token"
			}
			return retryable, errors.New(out.Error)
		}
		token = out.AccessToken
		exp = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		return false, nil
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = tokenCache{accessToken: token, expiresAt: exp}
	c.mu.Unlock()
	return token, nil
}

func withRetry(attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return lastErr
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
