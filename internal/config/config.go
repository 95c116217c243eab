// Package config provides configuration types and loading for botgate.
package config

import (
	"strings"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Server Server `json:"server"`
	Teams  Teams  `json:"teams"`
	Data   Data   `json:"data"`
	Limits Limits `json:"limits"`
}

// Server contains HTTP listener settings.
type Server struct {
	ListenAddr string `json:"listenAddr" envconfig:"ADDR"`
}

// Teams configures the bot channel registration. The messages endpoint is
// registered only when both AppID and AppPassword are set; leaving them empty
// disables the channel without failing startup.
type Teams struct {
	AppID           string `json:"appId" envconfig:"APP_ID"`
	AppPassword     string `json:"appPassword" envconfig:"APP_PASSWORD"`
	TenantID        string `json:"tenantId" envconfig:"TENANT_ID"`
	OpenIDConfigURL string `json:"openidConfigUrl" envconfig:"OPENID_CONFIG_URL"`
	LoginBase       string `json:"loginBase" envconfig:"LOGIN_BASE"`
	APIBase         string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// Enabled reports whether the channel credentials are present.
func (t Teams) Enabled() bool {
	return strings.TrimSpace(t.AppID) != "" && strings.TrimSpace(t.AppPassword) != ""
}

// Data configures the persistence layer. An empty Path disables persistence:
// no feedback buttons are rendered and thread/user sync is skipped.
type Data struct {
	Path string `json:"path" envconfig:"DATA_PATH"`
}

// Limits contains message and attachment bounds.
type Limits struct {
	MaxMessageLen     int           `json:"maxMessageLen" envconfig:"MAX_MESSAGE_LEN"`
	InlineMaxBytes    int           `json:"inlineMaxBytes" envconfig:"INLINE_MAX_BYTES"`
	AttachmentTimeout time.Duration `json:"attachmentTimeout" envconfig:"ATTACHMENT_TIMEOUT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			ListenAddr: ":3978",
		},
		Teams: Teams{
			TenantID:        "botframework.com",
			OpenIDConfigURL: "https://login.botframework.com/v1/.well-known/openidconfiguration",
			LoginBase:       "https://login.microsoftonline.com",
		},
		Limits: Limits{
			MaxMessageLen:     28000,
			InlineMaxBytes:    256 * 1024,
			AttachmentTimeout: 30 * time.Second,
		},
	}
}
