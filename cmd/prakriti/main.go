// Prakriti - Ayurvedic dosha chat client and host
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/prakriti/internal/chat"
	"github.com/ashureev/prakriti/internal/config"
	"github.com/ashureev/prakriti/internal/credential"
	"github.com/ashureev/prakriti/internal/domain"
	"github.com/ashureev/prakriti/internal/host"
	"github.com/ashureev/prakriti/internal/store"
	"github.com/ashureev/prakriti/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	ephemeral bool
	dosha     string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "prakriti",
		Short: "Chat with the Prakriti Bot about your Ayurvedic constitution",
		Long: `prakriti connects to the Prakriti answer service over WebSocket and
streams answers into a persistent transcript.

Run "prakriti chat" for a terminal conversation or "prakriti serve" to
host the chat widget over HTTP.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&flags.ephemeral, "ephemeral", false, "keep the transcript and token in memory only")
	root.PersistentFlags().StringVar(&flags.dosha, "dosha", "", "quiz result used for the greeting (Vata, Pitta or Kapha); overrides PRAKRITI_DOSHA")

	root.AddCommand(
		newChatCommand(flags),
		newServeCommand(flags),
		newLoginCommand(flags),
		newLogoutCommand(flags),
		newTranscriptCommand(flags),
	)
	return root
}

// app carries the dependencies shared by every command.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	kv          store.KV
	transcripts *store.TranscriptStore
}

// setup loads configuration and opens the store. Logs go to logOut.
func setup(flags *rootFlags, logOut io.Writer, text bool) (*app, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.dosha != "" {
		d, err := domain.ParseDosha(flags.dosha)
		if err != nil {
			return nil, fmt.Errorf("--dosha: %w", err)
		}
		cfg.Dosha = d
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler = slog.NewJSONHandler(logOut, opts)
	if text {
		handler = slog.NewTextHandler(logOut, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	var kv store.KV
	if flags.ephemeral {
		kv = store.NewMemory()
		logger.Info("Using in-memory store")
	} else {
		sqlite, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		kv = sqlite
	}

	if err := kv.Ping(context.Background()); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		kv:          kv,
		transcripts: store.NewTranscriptStore(kv, cfg.TranscriptKey),
	}, nil
}

func (a *app) close() {
	if err := a.kv.Close(); err != nil {
		a.logger.Error("Failed to close store", "error", err)
	}
}

// newWidget wires the WebSocket dialer and credential chain into a widget.
func (a *app) newWidget() (*host.Widget, error) {
	dialer, err := transport.NewDialer(transport.Config{
		URL:         a.cfg.Chat.URL,
		TokenParam:  a.cfg.Chat.TokenParam,
		ReadLimit:   a.cfg.Chat.ReadLimit,
		DialTimeout: a.cfg.Chat.DialTimeout,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	creds := credential.Chain{
		credential.Static(a.cfg.Token),
		credential.Stored{KV: a.kv},
	}

	return host.NewWidget(a.transcripts, dialer, creds, a.logger,
		chat.WithReplyTimeout(a.cfg.Chat.ReplyTimeout),
		chat.WithLegacyWire(a.cfg.Chat.LegacyWire),
	), nil
}
