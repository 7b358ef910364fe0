//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/catalaist/internal/conversation"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/llm"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"validation", &domain.ValidationError{Field: "description", Reason: "is required"}, http.StatusBadRequest, "validation", false},
		{"store validation", fmt.Errorf("save: %w", store.ErrValidation), http.StatusBadRequest, "validation", false},
		{"matrix", fmt.Errorf("%w: bad rule", matrix.ErrInvalid), http.StatusBadRequest, "validation", false},
		{"not found", fmt.Errorf("%w: s1", domain.ErrNotFound), http.StatusNotFound, "not_found", false},
		{"busy", fmt.Errorf("%w: s1", domain.ErrSessionBusy), http.StatusConflict, "session_busy", true},
		{"answer count", &domain.AnswerCountError{Want: 2, Got: 1}, http.StatusConflict, "answer_count", false},
		{"state", &domain.StateError{Op: "answer", State: domain.StateTerminal}, http.StatusConflict, "invalid_state", false},
		{"matrix conflict", fmt.Errorf("save matrix: %w", store.ErrConflict), http.StatusConflict, "conflict", false},
		{"no json", &conversation.ParseError{Raw: "hello", Err: conversation.ErrNoJSON}, http.StatusBadGateway, "llm_response", true},
		{"provider 503", &llm.StatusError{Provider: "openai", Status: 503}, http.StatusBadGateway, "llm_unavailable", true},
		{"provider 401", &llm.StatusError{Provider: "openai", Status: 401}, http.StatusBadGateway, "llm_unavailable", false},
		{"disabled", fmt.Errorf("disabled completion: %w", llm.ErrNotConfigured), http.StatusServiceUnavailable, "ai_disabled", false},
		{"timeout", fmt.Errorf("call: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout", true},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := Classify(tt.err)
			if status != tt.status || body.Code != tt.code || body.Retryable != tt.retryable {
				t.Fatalf("Classify() = %d %+v, want %d %s retryable=%v", status, body, tt.status, tt.code, tt.retryable)
			}
		})
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"description":"`+strings.Repeat("x", 100)+`"}`))
	w := httptest.NewRecorder()
	var v map[string]string
	if Decode(w, req, 16, &v) {
		t.Fatal("Decode should fail")
	}
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthAndConfig(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakePinger{}, ConfigInfo{AIEnabled: true, Provider: "gemini", MaxRounds: 8}).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("config status = %d", w.Code)
	}
	var info ConfigInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if !info.AIEnabled || info.Provider != "gemini" || info.VoiceProviders == nil {
		t.Fatalf("config = %+v", info)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}

	down := chi.NewRouter()
	NewHandler(fakePinger{err: errors.New("disk I/O error")}, ConfigInfo{}).RegisterRoutes(down)
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d, want 503", w.Code)
	}
}

type fakeBackend struct{ err error }

func (f fakeBackend) Health(context.Context) error { return f.err }

func TestHealthProbesProvider(t *testing.T) {
	tests := []struct {
		name     string
		backend  error
		status   int
		provider string
	}{
		{"serving", nil, http.StatusOK, "ok"},
		{"sidecar down", errors.New("health check failed: status NOT_SERVING"), http.StatusServiceUnavailable, "health check failed: status NOT_SERVING"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(fakePinger{}, ConfigInfo{}).WithProviderHealth(fakeBackend{err: tt.backend}).RegisterRoutes(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var body map[string]any
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["provider"] != tt.provider || body["database"] != "ok" {
				t.Fatalf("body = %v", body)
			}
		})
	}
}
