package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/botgate/botgate/internal/activity"
	"github.com/botgate/botgate/internal/bridge"
	"github.com/botgate/botgate/internal/config"
	"github.com/botgate/botgate/internal/data"
	"github.com/botgate/botgate/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook bridge server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🌐 botgate Serve")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	var layer data.Layer
	if strings.TrimSpace(cfg.Data.Path) != "" {
		sq, err := data.OpenSQLite(cfg.Data.Path)
		if err != nil {
			fmt.Printf("Data layer error: %v\n", err)
			os.Exit(1)
		}
		defer sq.Close()
		layer = sq
		fmt.Println("Persistence: ✓ " + cfg.Data.Path)
	} else {
		fmt.Println("Persistence: disabled (no data path)")
	}
	if cfg.Teams.Enabled() {
		fmt.Println("Channel:     ✓ Teams credentials configured")
	} else {
		fmt.Println("Channel:     disabled (missing app id/password)")
	}

	srv := bridge.New(cfg, echoHooks(), layer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// echoHooks is the built-in handler used when botgate runs standalone: it
// replies with the inbound text. Applications embedding the bridge supply
// their own hooks through bridge.New.
func echoHooks() session.Hooks {
	return session.Hooks{
		OnMessage: func(ctx context.Context, s *session.Session, msg *session.Message) error {
			text := strings.TrimSpace(msg.Text)
			if text == "" && len(msg.Elements) == 0 {
				return nil
			}
			reply := &activity.OutboundMessage{Text: text}
			if text == "" {
				reply.Text = fmt.Sprintf("Received %d attachment(s).", len(msg.Elements))
			}
			s.Reply(reply)
			return nil
		},
	}
}
