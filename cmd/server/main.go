// CatalAIst - business process classification server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/ashureev/catalaist/internal/api"
	"github.com/ashureev/catalaist/internal/app"
	"github.com/ashureev/catalaist/internal/config"
	"github.com/ashureev/catalaist/internal/identity"
	"github.com/ashureev/catalaist/internal/live"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/middleware"
	"github.com/ashureev/catalaist/internal/sweeper"
	"github.com/ashureev/catalaist/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	svc := a.Service

	rateLimiter := agent.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer rateLimiter.Stop()
	conns := live.NewConnManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(a.Repo, api.ConfigInfo{
		AIEnabled:      a.AIEnabled(),
		Provider:       a.Provider.Name(),
		Model:          a.Provider.Model(),
		MaxRounds:      svc.MaxRounds(),
		VoiceEnabled:   cfg.Voice.Enabled,
		VoiceProviders: cfg.Voice.Providers,
	})
	if hc := a.ProviderHealth(); hc != nil {
		baseHandler.WithProviderHealth(hc)
	}
	matrixHandler := api.NewMatrixHandler(svc, cfg.MaxRequestBody)
	interviewHandler := agent.NewHandler(svc, rateLimiter, cfg.MaxRequestBody)
	wsHandler := live.NewWebSocketHandler(svc, conns, rateLimiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins(), identity.TabHeaderName))
	r.Use(identity.Middleware(a.Repo, cfg.IsDevelopment()))

	baseHandler.RegisterRoutes(r)
	matrixHandler.RegisterRoutes(r)
	interviewHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/interview", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	sw := sweeper.New(a.Repo, svc, sweeper.Config{
		Interval:  cfg.SweepInterval,
		IdleTTL:   cfg.SessionTTL,
		Retention: cfg.RetentionAge,
	}, conns.Close, logger)
	g.Go(func() error { return sw.Run(gctx) })

	if cfg.MatrixPath != "" {
		watcher, err := matrix.NewWatcher(cfg.MatrixPath, svc.ReloadMatrix, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			watcher.Stop()
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conns.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
