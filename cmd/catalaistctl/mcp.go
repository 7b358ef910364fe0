package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/catalaist/internal/app"
	"github.com/ashureev/catalaist/internal/config"
	"github.com/ashureev/catalaist/internal/identity"
	"github.com/ashureev/catalaist/internal/mcptools"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the classification tools over MCP stdio",
		Long: `Starts an MCP server on stdin/stdout exposing classify_start, classify_answer,
classify_finalize, classify_status and matrix_evaluate. Configuration is read
from the environment (and .env) exactly like the HTTP server. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd, userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "mcp-local", "user ID that owns sessions created over MCP")
	return cmd
}

func runMCP(cmd *cobra.Command, userID string) error {
	// stdout carries JSON-RPC only.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := identity.EnsureUser(ctx, a.Repo, userID); err != nil {
		return fmt.Errorf("register MCP user: %w", err)
	}

	s := mcptools.New(a.Service, userID)
	logger.Info("MCP server ready", "user_id", userID, "ai_enabled", a.AIEnabled())
	err = mcptools.ServeStdio(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout(), log.New(os.Stderr, "mcp: ", log.LstdFlags))
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
