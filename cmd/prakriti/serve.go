package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/prakriti/internal/api"
	"github.com/ashureev/prakriti/internal/middleware"
	"github.com/ashureev/prakriti/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var openOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the chat widget over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags, os.Stdout, false)
			if err != nil {
				return err
			}
			defer a.close()

			a.logger.Info("Starting server", "port", a.cfg.Port, "dev", a.cfg.IsDevelopment(), "backend", a.cfg.Chat.URL)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			widget, err := a.newWidget()
			if err != nil {
				return err
			}
			widget.OnClose(func() { a.logger.Info("Chat widget closed") })
			defer func() { _ = widget.SetOpen(context.Background(), false) }()

			if openOnStart {
				if err := widget.SetOpen(ctx, true); err != nil {
					a.logger.Warn("Initial chat connection failed", "error", err)
				}
			}

			chatHandler := api.NewChatHandler(ctx, widget, a.logger)
			accountHandler := api.NewAccountHandler(a.kv, a.cfg.Dosha, a.logger)
			healthHandler := api.NewHealthHandler(a.kv)

			r := chi.NewRouter()
			r.Use(chiMiddleware.RequestID)
			r.Use(chiMiddleware.RealIP)
			r.Use(chiMiddleware.Logger)
			r.Use(chiMiddleware.Recoverer)
			r.Use(chiMiddleware.Heartbeat("/health"))
			r.Use(middleware.CORS(a.cfg.AllowedOrigins()))

			healthHandler.RegisterHealth(r)
			chatHandler.RegisterRoutes(r)
			accountHandler.RegisterRoutes(r)

			r.Handle("/*", web.Handler())

			// SSE connections require no WriteTimeout.
			srv := &http.Server{
				Addr:         ":" + a.cfg.Port,
				Handler:      r,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0,
				IdleTimeout:  120 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.logger.Info("Server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					a.logger.Error("Server failed", "error", err)
					return err
				}
			case <-ctx.Done():
			}
			stop()

			a.logger.Info("Shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Server forced to shutdown", "error", err)
				return err
			}

			a.logger.Info("Server stopped successfully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&openOnStart, "open", false, "connect to the backend at startup instead of waiting for the page")
	return cmd
}
