// Package api provides HTTP handlers and response helpers for the CatalAIst API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes the model backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler provides configuration and health endpoints.
type Handler struct {
	db       Pinger
	provider HealthChecker
	info     ConfigInfo
	started  time.Time
}

// ConfigInfo is the capability summary served to the frontend.
type ConfigInfo struct {
	AIEnabled      bool     `json:"ai_enabled"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	MaxRounds      int      `json:"max_rounds"`
	VoiceEnabled   bool     `json:"voice_enabled"`
	VoiceProviders []string `json:"voice_providers"`
}

// NewHandler creates a new Handler.
func NewHandler(db Pinger, info ConfigInfo) *Handler {
	if info.VoiceProviders == nil {
		info.VoiceProviders = []string{}
	}
	return &Handler{db: db, info: info, started: time.Now()}
}

// WithProviderHealth makes the health endpoint also probe the model backend.
func (h *Handler) WithProviderHealth(hc HealthChecker) *Handler {
	h.provider = hc
	return h
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message})
}

// Decode reads a JSON request body capped at maxBytes into v.
// It writes the error response itself and reports whether decoding succeeded.
func Decode(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) bool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			Error(w, http.StatusBadRequest, "request body is required")
		default:
			Error(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// RegisterRoutes registers config and health routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/health", h.GetHealth)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.info)
}

// GetHealth reports database and, when configured, model backend reachability.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			slog.Error("health check failed", "error", err)
			body["status"] = "unavailable"
			body["database"] = err.Error()
			JSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	body["database"] = "ok"
	if h.provider != nil {
		if err := h.provider.Health(ctx); err != nil {
			slog.Error("provider health check failed", "error", err)
			body["status"] = "unavailable"
			body["provider"] = err.Error()
			JSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["provider"] = "ok"
	}
	JSON(w, http.StatusOK, body)
}
