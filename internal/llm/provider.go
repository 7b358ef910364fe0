// Package llm provides the language model backends used by the interview
// controller.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no provider can be built from configuration.
var ErrNotConfigured = errors.New("llm provider not configured")

// Request is a single completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend for a JSON object response where supported.
	JSON bool
}

// Usage reports token consumption as returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a completion result.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is a language model backend.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HealthChecker is implemented by providers whose backend can be probed
// without spending a completion.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StatusError is a non-success HTTP answer from a provider API.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// Disabled is the provider used when AI is not configured. Every completion
// fails with ErrNotConfigured.
type Disabled struct{}

func (Disabled) Name() string  { return "disabled" }
func (Disabled) Model() string { return "" }

func (Disabled) Complete(context.Context, Request) (*Response, error) {
	return nil, ErrNotConfigured
}
