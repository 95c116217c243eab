// Package bridge exposes the webhook endpoint that turns channel envelopes
// into session runs and posts the collected replies back to the channel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/botgate/botgate/internal/activity"
	"github.com/botgate/botgate/internal/attachments"
	"github.com/botgate/botgate/internal/auth"
	"github.com/botgate/botgate/internal/config"
	"github.com/botgate/botgate/internal/connector"
	"github.com/botgate/botgate/internal/data"
	"github.com/botgate/botgate/internal/feedback"
	"github.com/botgate/botgate/internal/identity"
	"github.com/botgate/botgate/internal/session"
)

const maxBodyBytes = 4 << 20

// Server is the bridge HTTP server.
type Server struct {
	cfg       *config.Config
	validator *auth.Validator
	codec     *activity.Codec
	emulator  *session.Emulator
	connector *connector.Client
	feedback  *feedback.Controller
	persister *data.Persister

	metricsMu sync.RWMutex
	metrics   Metrics
}

// Metrics counts bridge activity, served on /status.
type Metrics struct {
	StartedAt time.Time `json:"started_at"`

	InboundAccepted     int `json:"inbound_accepted"`
	InboundAuthRejected int `json:"inbound_auth_rejected"`
	InboundMalformed    int `json:"inbound_malformed"`
	InboundUnsupported  int `json:"inbound_unsupported"`
	ClicksHandled       int `json:"clicks_handled"`
	RepliesSent         int `json:"replies_sent"`
	SendErrors          int `json:"send_errors"`

	LastError   string `json:"last_error,omitempty"`
	LastErrorAt string `json:"last_error_at,omitempty"`
}

// New builds a Server from configuration, the application hooks, and an
// optional data layer (nil disables persistence and feedback).
func New(cfg *config.Config, hooks session.Hooks, layer data.Layer) *Server {
	httpClient := &http.Client{Timeout: 20 * time.Second}

	conn := connector.NewClient(connector.Options{
		AppID:      cfg.Teams.AppID,
		AppSecret:  cfg.Teams.AppPassword,
		TenantID:   cfg.Teams.TenantID,
		LoginBase:  cfg.Teams.LoginBase,
		APIBase:    cfg.Teams.APIBase,
		HTTPClient: httpClient,
	})

	s := &Server{
		cfg:       cfg,
		validator: auth.NewValidator(httpClient, cfg.Teams.OpenIDConfigURL, cfg.Teams.AppID, cfg.Teams.TenantID),
		codec: &activity.Codec{
			MaxMessageLen:  cfg.Limits.MaxMessageLen,
			InlineMaxBytes: cfg.Limits.InlineMaxBytes,
		},
		connector: conn,
		feedback:  feedback.NewController(layer, conn),
		persister: data.NewPersister(layer),
		metrics:   Metrics{StartedAt: time.Now().UTC()},
	}

	fetcher := attachments.NewFetcher(httpClient, cfg.Limits.AttachmentTimeout)
	s.emulator = session.NewEmulator(hooks, fetcher, s.sendTyping)
	return s
}

// Router builds the HTTP routes. The messages endpoint is only registered
// when channel credentials are configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", s.handleStatus)
	if s.cfg.Teams.Enabled() {
		r.Post("/api/messages", s.handleMessages)
	}
	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	slog.Info("bridge listening", "addr", s.cfg.Server.ListenAddr, "channel_enabled", s.cfg.Teams.Enabled())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.metricsMu.RLock()
	metrics := s.metrics
	s.metricsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"ok":      true,
		"metrics": metrics,
		"teams": map[string]any{
			"enabled":     s.cfg.Teams.Enabled(),
			"persistence": s.feedback.Enabled(),
		},
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if _, err := s.validator.Validate(r.Context(), r.Header.Get("Authorization")); err != nil {
		slog.Warn("inbound auth rejected", "error", err)
		s.noteAuthRejected()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	env, err := s.codec.Decode(body)
	var threadID identity.ThreadID
	var userID identity.UserID
	if err == nil {
		threadID, userID, err = identity.Resolve(env.ConversationID, env.Sender.Name, time.Now().UTC())
	}
	if err != nil {
		switch {
		case errors.Is(err, activity.ErrUnsupportedActivity):
			s.note(func(m *Metrics) { m.InboundUnsupported++ })
		default:
			slog.Warn("inbound envelope rejected", "error", err)
			s.note(func(m *Metrics) { m.InboundMalformed++ })
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	s.note(func(m *Metrics) { m.InboundAccepted++ })

	// Processing outlives the webhook request: the channel only needs the
	// acknowledgement, and replies go out through the connector.
	ctx := context.WithoutCancel(r.Context())

	if env.IsClick() {
		vote, correlationID := env.ClickPayload()
		s.feedback.HandleClick(ctx, vote, correlationID, threadID, userID)
		s.note(func(m *Metrics) { m.ClicksHandled++ })
		w.WriteHeader(http.StatusOK)
		return
	}

	s.processMessage(ctx, env, threadID, userID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) processMessage(ctx context.Context, env *activity.InboundEnvelope, threadID identity.ThreadID, userID identity.UserID) {
	replies, sessionValues := s.emulator.Run(ctx, env, threadID, userID)
	ref := conversationRef(env)
	replyCtx := activity.ReplyTo(env)
	withFeedback := s.feedback.Enabled()

	for _, msg := range replies {
		raw, err := s.codec.Encode(msg, replyCtx, withFeedback)
		if err != nil {
			s.noteError(fmt.Errorf("encode reply: %w", err))
			continue
		}
		messageID, err := s.connector.SendRaw(ctx, ref, raw)
		if err != nil {
			s.noteError(fmt.Errorf("send reply: %w", err))
			continue
		}
		s.note(func(m *Metrics) { m.RepliesSent++ })
		if msg.Kind != activity.KindSystem {
			s.feedback.Record(msg.CorrelationID, messageID, ref)
		}
	}

	// The session snapshot becomes the thread metadata, with the channel
	// routing keys folded in on top.
	metadata := sessionValues
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["channel_id"] = env.ChannelID
	metadata["conversation_id"] = env.ConversationID

	threadName := fmt.Sprintf("%s Teams DM %s", env.Sender.Name, env.Timestamp.UTC().Format(time.DateOnly))
	s.persister.Sync(ctx, threadID, userID, env.Sender.Name, threadName, metadata)
}

func (s *Server) sendTyping(ctx context.Context, env *activity.InboundEnvelope) {
	ref := conversationRef(env)
	from := map[string]any{"id": env.Recipient.ID, "name": env.Recipient.Name}
	recipient := map[string]any{"id": env.Sender.ID, "name": env.Sender.Name}
	if err := s.connector.Typing(ctx, ref, from, recipient); err != nil {
		slog.Debug("typing indicator failed", "error", err)
	}
}

func conversationRef(env *activity.InboundEnvelope) connector.ConversationRef {
	return connector.ConversationRef{
		ServiceURL:     env.ServiceURL,
		ConversationID: env.ConversationID,
	}
}

func (s *Server) note(fn func(m *Metrics)) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	fn(&s.metrics)
}

func (s *Server) noteAuthRejected() {
	s.note(func(m *Metrics) { m.InboundAuthRejected++ })
}

func (s *Server) noteError(err error) {
	slog.Error("bridge send failed", "error", err)
	s.note(func(m *Metrics) {
		m.SendErrors++
		m.LastError = err.Error()
		m.LastErrorAt = time.Now().UTC().Format(time.RFC3339)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
