package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY under load
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tab_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		round INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_state_updated ON sessions(state, updated_at);

	CREATE TABLE IF NOT EXISTS classifications (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		confidence REAL NOT NULL,
		source TEXT NOT NULL,
		low_confidence INTEGER NOT NULL DEFAULT 0,
		result_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_category ON classifications(category);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		confirmed INTEGER NOT NULL,
		corrected_category TEXT,
		comment TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id);

	CREATE TABLE IF NOT EXISTS matrix_versions (
		version TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		document TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_matrix_versions_created ON matrix_versions(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// write runs fn under the write lock, retrying on SQLite busy errors.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, op, s.retry, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	if strings.TrimSpace(user.UserID) == "" {
		return invalid(&domain.ValidationError{Field: "user_id", Reason: "is required"})
	}
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return s.write(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	return s.write(ctx, "update last seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
		}
		return nil
	})
}

// SaveSession validates and stores a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	if err := sess.Validate(); err != nil {
		return invalid(err)
	}
	stateJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	var resultJSON []byte
	if sess.Result != nil {
		if resultJSON, err = json.Marshal(sess.Result); err != nil {
			return fmt.Errorf("marshal classification: %w", err)
		}
	}

	return s.write(ctx, "save session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, tab_id, state, round, state_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				round = excluded.round,
				state_json = excluded.state_json,
				updated_at = excluded.updated_at`,
			sess.ID, sess.UserID, sess.TabID, string(sess.State), sess.Round, string(stateJSON),
			sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		if r := sess.Result; r != nil {
			// Results are immutable; a second save keeps the first.
			_, err = tx.ExecContext(ctx, `
				INSERT INTO classifications (id, session_id, category, confidence, source, low_confidence, result_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id) DO NOTHING`,
				r.ID, sess.ID, string(r.Category), r.Confidence, string(r.Source), r.LowConfidence,
				string(resultJSON), r.CreatedAt.Unix(),
			)
			if err != nil {
				return fmt.Errorf("insert classification: %w", err)
			}
		}
		return tx.Commit()
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE id = ?`, id).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return decodeSession(stateJSON)
}

func decodeSession(stateJSON string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(stateJSON), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.querySessions(ctx, `
		SELECT state_json FROM sessions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
}

// ListIdleSessions returns open sessions not updated within idle.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-idle).Unix()
	return s.querySessions(ctx, `
		SELECT state_json FROM sessions
		WHERE state NOT IN (?, ?) AND updated_at < ?
		ORDER BY updated_at`,
		string(domain.StateTerminal), string(domain.StateAbandoned), threshold)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess, err := decodeSession(stateJSON)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session with its classification and feedback.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id, userID string) error {
	return s.write(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM classifications WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete classification: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feedback WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete feedback: %w", err)
		}
		return tx.Commit()
	})
}

// PurgeClosedSessions deletes terminal and abandoned sessions older than retention.
// Classifications and feedback are kept for reporting.
func (s *SQLiteStore) PurgeClosedSessions(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	var n int64
	err := s.write(ctx, "purge sessions", func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE state IN (?, ?) AND updated_at < ?`,
			string(domain.StateTerminal), string(domain.StateAbandoned), threshold)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// GetClassification retrieves the classification stored for a session.
func (s *SQLiteStore) GetClassification(ctx context.Context, sessionID string) (*domain.ClassificationResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM classifications WHERE session_id = ?`, sessionID).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan classification: %w", err)
	}
	var r domain.ClassificationResult
	if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	return &r, nil
}

// CategoryCounts returns how many classifications fall in each category.
func (s *SQLiteStore) CategoryCounts(ctx context.Context) (map[domain.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM classifications GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("query category counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close category rows", "error", closeErr)
		}
	}()

	counts := make(map[domain.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		counts[domain.Category(cat)] = n
	}
	return counts, rows.Err()
}

// SaveFeedback validates and stores feedback.
func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb *domain.Feedback) error {
	if err := fb.Validate(); err != nil {
		return invalid(err)
	}
	var corrected any
	if fb.CorrectedCategory != domain.CategoryUnassigned {
		corrected = string(fb.CorrectedCategory)
	}
	return s.write(ctx, "save feedback", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO feedback (id, session_id, user_id, confirmed, corrected_category, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fb.ID, fb.SessionID, fb.UserID, fb.Confirmed, corrected, fb.Comment, fb.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		return nil
	})
}

// ListFeedback returns the feedback given on a session, oldest first.
func (s *SQLiteStore) ListFeedback(ctx context.Context, sessionID string) ([]*domain.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, confirmed, corrected_category, comment, created_at
		FROM feedback WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close feedback rows", "error", closeErr)
		}
	}()

	var out []*domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		var corrected, comment sql.NullString
		var createdAt int64
		if err := rows.Scan(&fb.ID, &fb.SessionID, &fb.UserID, &fb.Confirmed, &corrected, &comment, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		fb.CorrectedCategory = domain.Category(corrected.String)
		fb.Comment = comment.String
		fb.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}

// SaveMatrix stores a decision matrix version.
func (s *SQLiteStore) SaveMatrix(ctx context.Context, rec *MatrixRecord) error {
	if strings.TrimSpace(rec.Version) == "" {
		return invalid(&domain.ValidationError{Field: "version", Reason: "is required"})
	}
	if len(bytes.TrimSpace(rec.Document)) == 0 {
		return invalid(&domain.ValidationError{Field: "document", Reason: "is required"})
	}
	return s.write(ctx, "save matrix", func() error {
		var existing string
		err := s.db.QueryRowContext(ctx, `SELECT document FROM matrix_versions WHERE version = ?`, rec.Version).Scan(&existing)
		switch {
		case err == nil:
			if existing == string(rec.Document) {
				return nil
			}
			return fmt.Errorf("%w: matrix version %q", ErrConflict, rec.Version)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("query matrix version: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO matrix_versions (version, source, document, created_at) VALUES (?, ?, ?, ?)`,
			rec.Version, rec.Source, string(rec.Document), rec.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert matrix version: %w", err)
		}
		return nil
	})
}

// LatestMatrix returns the most recently stored matrix version.
func (s *SQLiteStore) LatestMatrix(ctx context.Context) (*MatrixRecord, error) {
	var rec MatrixRecord
	var doc string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version, source, document, created_at FROM matrix_versions
		ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&rec.Version, &rec.Source, &doc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan matrix version: %w", err)
	}
	rec.Document = []byte(doc)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

// ListMatrixVersions returns stored versions, newest first, without documents.
func (s *SQLiteStore) ListMatrixVersions(ctx context.Context, limit int) ([]*MatrixRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, source, created_at FROM matrix_versions
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query matrix versions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close matrix rows", "error", closeErr)
		}
	}()

	var out []*MatrixRecord
	for rows.Next() {
		var rec MatrixRecord
		var createdAt int64
		if err := rows.Scan(&rec.Version, &rec.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan matrix version row: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
