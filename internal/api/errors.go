package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/catalaist/internal/conversation"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/llm"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/store"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Classify maps an error returned by the service layer to an HTTP status
// and response body.
func Classify(err error) (int, ErrorBody) {
	var parseErr *conversation.ParseError
	var statusErr *llm.StatusError
	var validation *domain.ValidationError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorBody{Error: validation.Error(), Code: "validation"}
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrValidation), errors.Is(err, matrix.ErrInvalid):
		return http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: "validation"}
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: "session not found", Code: "not_found"}
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict, ErrorBody{Error: "session is busy", Code: "session_busy", Retryable: true}
	case errors.Is(err, domain.ErrAnswerCount):
		return http.StatusConflict, ErrorBody{Error: err.Error(), Code: "answer_count"}
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, ErrorBody{Error: err.Error(), Code: "invalid_state"}
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, ErrorBody{Error: err.Error(), Code: "conflict"}
	case errors.As(err, &parseErr):
		return http.StatusBadGateway, ErrorBody{Error: "the model returned an unusable response", Code: "llm_response", Retryable: true}
	case errors.As(err, &statusErr):
		return http.StatusBadGateway, ErrorBody{Error: "the model provider failed", Code: "llm_unavailable", Retryable: statusErr.Retryable()}
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusServiceUnavailable, ErrorBody{Error: "AI is not configured", Code: "ai_disabled"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorBody{Error: "the model did not answer in time", Code: "timeout", Retryable: true}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: "internal"}
	}
}

// WriteError logs server-side failures and writes the mapped error response.
func WriteError(w http.ResponseWriter, err error) {
	status, body := Classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	JSON(w, status, body)
}
