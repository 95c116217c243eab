// Package attachments downloads channel-hosted files and sniffs their MIME
// type.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxBytes = 50 * 1024 * 1024

// Fetcher downloads attachment content over HTTPS.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. A nil client gets a default with the given
// timeout.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Fetcher{client: client, maxBytes: defaultMaxBytes}
}

// Fetch downloads the file at rawURL and returns its bytes plus the sniffed
// MIME type. declaredType is used when sniffing is inconclusive.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, declaredType string) ([]byte, string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, "", errors.New("empty attachment url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid attachment url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, "", errors.New("attachment url must use https")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("attachment fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", f.maxBytes)
	}
	return data, SniffMime(data, declaredType), nil
}

// SniffMime determines a MIME type from content, falling back to the declared
// type and then to application/octet-stream.
func SniffMime(data []byte, declaredType string) string {
	sniffed := http.DetectContentType(data)
	if sniffed == "application/octet-stream" {
		if d := strings.TrimSpace(declaredType); d != "" {
			return d
		}
	}
	return sniffed
}
