// Package sweeper abandons idle interview sessions and purges closed ones
// past their retention window.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/shared"
)

const defaultInterval = time.Minute

// Store is the slice of the repository the sweeper needs.
type Store interface {
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error)
	PurgeClosedSessions(ctx context.Context, retention time.Duration) (int64, error)
}

// Abandoner closes an open session. It must take the same per-session lock
// as interview rounds.
type Abandoner interface {
	Abandon(ctx context.Context, sessionID string) error
}

// CleanupCallback is called after a session is abandoned.
type CleanupCallback func(userID, sessionID string)

// Config controls the sweep cadence and thresholds. A zero Retention
// disables purging.
type Config struct {
	Interval  time.Duration
	IdleTTL   time.Duration
	Retention time.Duration
}

// Result reports one sweep.
type Result struct {
	Abandoned int
	Busy      int
	Purged    int64
}

// Sweeper periodically closes idle sessions.
type Sweeper struct {
	repo      Store
	abandoner Abandoner
	cfg       Config
	onCleanup CleanupCallback
	logger    *slog.Logger
}

// New creates a Sweeper. onCleanup may be nil.
func New(repo Store, abandoner Abandoner, cfg Config, onCleanup CleanupCallback, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:      repo,
		abandoner: abandoner,
		cfg:       cfg,
		onCleanup: onCleanup,
		logger:    logger,
	}
}

// Run sweeps every Interval until ctx is cancelled. It always returns nil so
// it can run under an errgroup without tearing the server down.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("session sweeper started", "interval", s.cfg.Interval, "ttl", s.cfg.IdleTTL, "retention", s.cfg.Retention)

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs a single pass: abandon idle sessions, then purge closed ones.
// Sessions that are mid-round are skipped and picked up next time.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if s.cfg.IdleTTL > 0 {
		idle, err := s.repo.ListIdleSessions(ctx, s.cfg.IdleTTL)
		if err != nil {
			return res, err
		}
		for _, sess := range idle {
			err := shared.RetryOnConflict(ctx, "abandon session", shared.DefaultRetryPolicy, func() error {
				return s.abandoner.Abandon(ctx, sess.ID)
			})
			switch {
			case err == nil:
				res.Abandoned++
				s.logger.Info("idle session abandoned", "user_id", sess.UserID, "session_id", sess.ID, "round", sess.Round)
				if s.onCleanup != nil {
					s.onCleanup(sess.UserID, sess.ID)
				}
			case errors.Is(err, domain.ErrSessionBusy):
				res.Busy++
			case errors.Is(err, domain.ErrNotFound):
			default:
				s.logger.Warn("failed to abandon idle session", "error", err, "session_id", sess.ID)
			}
		}
	}

	if s.cfg.Retention > 0 {
		err := shared.RetryOnConflict(ctx, "purge sessions", shared.DefaultRetryPolicy, func() error {
			n, err := s.repo.PurgeClosedSessions(ctx, s.cfg.Retention)
			res.Purged = n
			return err
		})
		if err != nil {
			return res, err
		}
		if res.Purged > 0 {
			s.logger.Info("closed sessions purged", "count", res.Purged)
		}
	}
	return res, nil
}
