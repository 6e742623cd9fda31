package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/prakriti/internal/chat"
	"github.com/ashureev/prakriti/internal/host"
	"github.com/go-chi/chi/v5"
)

const (
	defaultKeepaliveInterval = 10 * time.Second
	defaultRetryDelay        = 5 * time.Second
	defaultSendLimit         = 20
	defaultSendWindow        = time.Minute
)

// ChatHandler exposes a host.Widget over HTTP.
type ChatHandler struct {
	widget  *host.Widget
	limiter *RateLimiter
	logger  *slog.Logger

	keepalive  time.Duration
	retryDelay time.Duration
}

// NewChatHandler creates a handler for w. Questions are rate limited per
// client until ctx is done.
func NewChatHandler(ctx context.Context, w *host.Widget, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		widget:     w,
		limiter:    NewRateLimiter(ctx, defaultSendLimit, defaultSendWindow),
		logger:     logger,
		keepalive:  defaultKeepaliveInterval,
		retryDelay: defaultRetryDelay,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.GetChat)
		r.Post("/open", h.Open)
		r.Post("/close", h.Close)
		r.Post("/messages", h.Send)
		r.Delete("/messages", h.Clear)
		r.Get("/events", h.Events)
	})
}

type sendRequest struct {
	Question string `json:"question"`
}

// GetChat returns the current widget state.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	snap, err := h.widget.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to load chat state", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	JSON(w, http.StatusOK, h.view(snap))
}

// Open shows the widget and connects.
func (h *ChatHandler) Open(w http.ResponseWriter, r *http.Request) {
	if err := h.widget.SetOpen(r.Context(), true); err != nil {
		h.logger.Warn("Chat open failed", "error", err)
		h.writeState(w, r, http.StatusBadGateway)
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// Close hides the widget and disconnects.
func (h *ChatHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.widget.SetOpen(r.Context(), false); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// Send submits a question. The answer arrives through Events or GetChat.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(r.RemoteAddr) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		Error(w, http.StatusBadRequest, "question is required")
		return
	}

	if err := h.widget.Send(r.Context(), req.Question); err != nil {
		status, msg := chatErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to send question", "error", err)
		}
		Error(w, status, msg)
		return
	}
	h.writeState(w, r, http.StatusAccepted)
}

// Clear erases the transcript.
func (h *ChatHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.widget.Clear(r.Context()); err != nil {
		status, msg := chatErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to clear transcript", "error", err)
		}
		Error(w, status, msg)
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// Events streams a snapshot event for every state change.
func (h *ChatHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	snaps, cancel := h.widget.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.retryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err)
		return
	}

	var eventID int64
	send := func(snap chat.Snapshot) bool {
		data, err := json.Marshal(h.view(snap))
		if err != nil {
			h.logger.Error("failed to encode snapshot", "error", err)
			return false
		}
		eventID++
		if err := writeSSEWithID(w, eventID, "snapshot", string(data)); err != nil {
			h.logger.Warn("failed to write SSE snapshot event", "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	initial, err := h.widget.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to load chat state", "error", err)
		return
	}
	if !send(initial) {
		return
	}

	h.logger.Info("Chat event stream connected", "remote", r.RemoteAddr)
	defer h.logger.Info("Chat event stream disconnected", "remote", r.RemoteAddr)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok || !send(snap) {
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

type chatView struct {
	chat.Snapshot
	Open bool `json:"open"`
}

func (h *ChatHandler) view(snap chat.Snapshot) chatView {
	return chatView{Snapshot: snap, Open: h.widget.IsOpen()}
}

func (h *ChatHandler) writeState(w http.ResponseWriter, r *http.Request, status int) {
	snap, err := h.widget.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to load chat state", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	JSON(w, status, h.view(snap))
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, host.ErrWidgetClosed):
		return http.StatusConflict, "chat_closed"
	case errors.Is(err, chat.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, chat.ErrAwaitingReply):
		return http.StatusConflict, "awaiting_reply"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
