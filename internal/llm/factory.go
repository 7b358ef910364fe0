package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config selects and configures a provider.
type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	OpenAIAPIKey string
	GoogleAPIKey string
	GrpcAddr     string
	Timeout      time.Duration
}

// New builds the provider named by cfg.Provider: openai, gemini or grpc.
// An empty name picks the first backend that has credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		switch {
		case cfg.OpenAIAPIKey != "":
			name = "openai"
		case cfg.GoogleAPIKey != "":
			name = "gemini"
		case cfg.GrpcAddr != "":
			name = "grpc"
		default:
			return nil, ErrNotConfigured
		}
	}

	var (
		p   Provider
		err error
	)
	switch name {
	case "openai", "bedrock":
		p, err = NewOpenAIClient(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			MaxRetries: 3,
		}, logger)
	case "gemini", "genai", "google":
		p, err = NewGeminiClient(ctx, GeminiConfig{
			APIKey:  cfg.GoogleAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}, logger)
	case "grpc", "sidecar":
		p, err = NewGrpcClient(GrpcConfig{
			Address:        cfg.GrpcAddr,
			Model:          cfg.Model,
			RequestTimeout: cfg.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
