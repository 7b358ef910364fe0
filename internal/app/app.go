// Package app wires the store, model provider and interview service. Both
// the HTTP server and the MCP command build on it. No business logic lives
// here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/ashureev/catalaist/internal/config"
	"github.com/ashureev/catalaist/internal/conversation"
	"github.com/ashureev/catalaist/internal/llm"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/store"
)

// App holds the long-lived dependencies.
type App struct {
	Repo     *store.SQLiteStore
	Provider llm.Provider
	Service  *agent.Service
	Matrices *matrix.Holder

	closers []func()
}

// New opens the database, builds the provider and the service, and
// activates the startup decision matrix. A missing provider configuration
// is not an error: the service runs with AI disabled.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.Repo = repo
	a.closers = append(a.closers, func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("failed to close repository", "error", closeErr)
		}
	})
	if err := repo.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	provider, err := llm.New(ctx, llmConfig(cfg.LLM), logger)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		logger.Info("AI features disabled", "reason", err)
		provider = llm.Disabled{}
	case err != nil:
		a.Close()
		return nil, fmt.Errorf("build model provider: %w", err)
	}
	if c, ok := provider.(interface{ Close() }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.Provider = provider

	convLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("conversation logger: %w", err)
	}

	a.Matrices = matrix.NewHolder(nil)
	a.Service = agent.NewService(provider, repo, a.Matrices, InterviewConfig(cfg.Interview), convLogger, logger)
	a.closers = append(a.closers, a.Service.Close)

	m, err := a.Service.BootstrapMatrix(ctx, cfg.MatrixPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap decision matrix: %w", err)
	}
	logger.Info("service ready",
		"provider", provider.Name(),
		"model", provider.Model(),
		"matrix_version", m.Version,
		"max_rounds", a.Service.MaxRounds(),
	)
	return a, nil
}

// AIEnabled reports whether a real model provider is configured.
func (a *App) AIEnabled() bool {
	_, disabled := a.Provider.(llm.Disabled)
	return !disabled
}

// ProviderHealth returns the provider's health probe, or nil when the
// provider has none.
func (a *App) ProviderHealth() llm.HealthChecker {
	hc, _ := a.Provider.(llm.HealthChecker)
	return hc
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// InterviewConfig maps environment settings onto the conversation controller.
func InterviewConfig(c config.InterviewConfig) conversation.Config {
	summary := conversation.DefaultSummaryConfig()
	if c.SummaryRecentPairs > 0 {
		summary.RecentPairs = c.SummaryRecentPairs
	}
	return conversation.Config{
		MaxRounds:     c.MaxRounds,
		LoopThreshold: c.LoopThreshold,
		MaxTokens:     c.MaxTokens,
		Temperature:   c.Temperature,
		Summary:       summary,
	}
}

func llmConfig(c config.LLMConfig) llm.Config {
	return llm.Config{
		Provider:     c.Provider,
		Model:        c.Model,
		BaseURL:      c.BaseURL,
		OpenAIAPIKey: c.OpenAIAPIKey,
		GoogleAPIKey: c.GoogleAPIKey,
		GrpcAddr:     c.GrpcAddr,
		Timeout:      c.Timeout,
	}
}
