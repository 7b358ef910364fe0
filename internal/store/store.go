// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
)

var (
	// ErrValidation wraps every record that fails validation on save.
	ErrValidation = errors.New("record validation failed")
	// ErrNotFound is returned by deletes that match nothing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an immutable record already exists with different content.
	ErrConflict = errors.New("record already exists")
)

// MatrixRecord is one stored decision matrix version.
type MatrixRecord struct {
	Version   string
	Source    string
	Document  []byte
	CreatedAt time.Time
}

// Repository defines the interface for persisting users, sessions and their outcomes.
// Reads return nil, nil when the record does not exist.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveSession validates and stores a session. The first time a session is
	// saved with a result, the result is stored as its classification.
	SaveSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error)

	// DeleteSession removes a session owned by userID with its classification and feedback.
	DeleteSession(ctx context.Context, id, userID string) error

	// ListIdleSessions returns open sessions not updated within idle.
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error)

	// PurgeClosedSessions deletes terminal and abandoned sessions older than retention.
	PurgeClosedSessions(ctx context.Context, retention time.Duration) (int64, error)

	// GetClassification retrieves the classification stored for a session.
	GetClassification(ctx context.Context, sessionID string) (*domain.ClassificationResult, error)

	// CategoryCounts returns how many classifications fall in each category.
	CategoryCounts(ctx context.Context) (map[domain.Category]int, error)

	// SaveFeedback validates and stores user feedback on a classification.
	SaveFeedback(ctx context.Context, fb *domain.Feedback) error

	// ListFeedback returns the feedback given on a session, oldest first.
	ListFeedback(ctx context.Context, sessionID string) ([]*domain.Feedback, error)

	// SaveMatrix stores a decision matrix version. Saving identical content
	// again is a no-op; different content under an existing version is ErrConflict.
	SaveMatrix(ctx context.Context, rec *MatrixRecord) error

	// LatestMatrix returns the most recently stored matrix version.
	LatestMatrix(ctx context.Context) (*MatrixRecord, error)

	// ListMatrixVersions returns stored versions, newest first, without documents.
	ListMatrixVersions(ctx context.Context, limit int) ([]*MatrixRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
