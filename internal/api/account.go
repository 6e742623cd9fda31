package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/prakriti/internal/credential"
	"github.com/ashureev/prakriti/internal/domain"
	"github.com/ashureev/prakriti/internal/store"
	"github.com/go-chi/chi/v5"
)

// AccountHandler manages the stored credential and reports the quiz result
// the host was started with.
type AccountHandler struct {
	kv     store.KV
	dosha  domain.Dosha
	logger *slog.Logger
}

// NewAccountHandler creates a handler storing credentials in kv. dosha is
// read-only and may be empty.
func NewAccountHandler(kv store.KV, dosha domain.Dosha, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{kv: kv, dosha: dosha, logger: logger}
}

// RegisterRoutes registers auth and dosha routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/auth/token", h.SaveToken)
	r.Delete("/api/auth/token", h.ForgetToken)
	r.Get("/api/dosha", h.GetDosha)
}

type tokenRequest struct {
	Token string `json:"token"`
}

type doshaBody struct {
	Dosha    domain.Dosha `json:"dosha"`
	Greeting string       `json:"greeting,omitempty"`
}

// SaveToken stores the credential used by the next connection.
func (h *AccountHandler) SaveToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := credential.Save(r.Context(), h.kv, req.Token); err != nil {
		if errors.Is(err, credential.ErrInvalidToken) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to save token", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save token")
		return
	}
	h.logger.Info("Token saved")
	w.WriteHeader(http.StatusNoContent)
}

// ForgetToken removes the stored credential.
func (h *AccountHandler) ForgetToken(w http.ResponseWriter, r *http.Request) {
	if err := credential.Forget(r.Context(), h.kv); err != nil {
		h.logger.Error("Failed to forget token", "error", err)
		Error(w, http.StatusInternalServerError, "failed to forget token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDosha returns the quiz result and the greeting derived from it.
func (h *AccountHandler) GetDosha(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, doshaBody{Dosha: h.dosha, Greeting: h.dosha.Greeting()})
}

// HealthHandler reports whether the store is reachable.
type HealthHandler struct {
	kv      store.KV
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(kv store.KV) *HealthHandler {
	return &HealthHandler{kv: kv, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.kv.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
