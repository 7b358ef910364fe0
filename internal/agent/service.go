package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/catalaist/internal/conversation"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/llm"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/store"
	"github.com/google/uuid"
)

// Service runs classification interviews and owns the active decision matrix.
type Service struct {
	ctrl      *conversation.Controller
	provider  llm.Provider
	repo      store.Repository
	matrices  *matrix.Holder
	evaluator *matrix.Evaluator
	log       ConversationLogger
	logger    *slog.Logger
	locks     sessionLocks

	now   func() time.Time
	newID func() string
}

// NewService creates a service. holder may be nil, in which case the built-in
// matrix is active until another one is loaded.
func NewService(provider llm.Provider, repo store.Repository, holder *matrix.Holder, cfg conversation.Config, conversationLogger ConversationLogger, logger *slog.Logger) *Service {
	if provider == nil {
		provider = llm.Disabled{}
	}
	if holder == nil {
		holder = matrix.NewHolder(nil)
	}
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := matrix.NewEvaluator(logger)
	return &Service{
		ctrl:      conversation.NewController(provider, &MatrixScorer{Holder: holder, Evaluator: evaluator}, cfg, logger),
		provider:  provider,
		repo:      repo,
		matrices:  holder,
		evaluator: evaluator,
		log:       conversationLogger,
		logger:    logger,
		locks:     sessionLocks{held: make(map[string]struct{})},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// MaxRounds returns the effective round cap.
func (s *Service) MaxRounds() int {
	return s.ctrl.Config().MaxRounds
}

// Provider returns the model backend in use.
func (s *Service) Provider() llm.Provider {
	return s.provider
}

// CreateSession validates the description and runs the first turn. Nothing
// is stored when the turn fails, so the caller can simply retry.
func (s *Service) CreateSession(ctx context.Context, userID, tabID, description string) (*domain.Session, error) {
	sess := domain.NewSession(s.newID(), userID, tabID, description, s.now())
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	s.audit(ctx, sess, "outbound", "process_description", sess.Description, nil)

	next, err := s.ctrl.Start(ctx, sess)
	if err != nil {
		s.auditFailure(ctx, sess, "start", err)
		return nil, err
	}
	if err := s.repo.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("session created", "session_id", next.ID, "user_id", userID, "state", next.State)
	s.auditTurn(ctx, next)
	return next, nil
}

// Answer fills the pending batch and runs the next turn.
func (s *Service) Answer(ctx context.Context, userID, sessionID string, answers []string) (*domain.Session, error) {
	return s.advance(ctx, userID, sessionID, "answer", func(sess *domain.Session) (*domain.Session, error) {
		s.audit(ctx, sess, "outbound", "user_answers", strings.Join(answers, "\n"), map[string]any{
			"round":   sess.Round + 1,
			"answers": len(answers),
		})
		return s.ctrl.Answer(ctx, sess, answers)
	})
}

// Classify skips the remaining questions and classifies with what is known.
func (s *Service) Classify(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	return s.advance(ctx, userID, sessionID, "classify", func(sess *domain.Session) (*domain.Session, error) {
		s.audit(ctx, sess, "outbound", "classify_requested", "", map[string]any{"round": sess.Round})
		return s.ctrl.Finalize(ctx, sess)
	})
}

// advance runs one controller step under the session lock and stores the result.
func (s *Service) advance(ctx context.Context, userID, sessionID, op string, step func(*domain.Session) (*domain.Session, error)) (*domain.Session, error) {
	release, err := s.locks.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	next, err := step(sess)
	if err != nil {
		s.logger.Warn("interview step failed", "op", op, "session_id", sessionID, "round", sess.Round, "error", err)
		s.auditFailure(ctx, sess, op, err)
		return nil, err
	}
	if err := s.repo.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.auditTurn(ctx, next)
	return next, nil
}

// Session loads a session owned by userID.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	return s.load(ctx, userID, sessionID)
}

// Sessions lists the user's sessions, newest first.
func (s *Service) Sessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	sessions, err := s.repo.ListSessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session with its classification and feedback.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	release, err := s.locks.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.DeleteSession(ctx, sessionID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
		}
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info("session deleted", "session_id", sessionID, "user_id", userID)
	return nil
}

// Feedback records the user's verdict on a terminal session.
func (s *Service) Feedback(ctx context.Context, userID, sessionID string, req FeedbackRequest) (*domain.Feedback, error) {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateTerminal {
		return nil, &domain.StateError{Op: "feedback", State: sess.State}
	}

	fb := &domain.Feedback{
		ID:        s.newID(),
		SessionID: sess.ID,
		UserID:    userID,
		Confirmed: req.Confirmed,
		Comment:   strings.TrimSpace(req.Comment),
		CreatedAt: s.now(),
	}
	if req.CorrectedCategory != "" {
		cat, ok := domain.ParseCategory(req.CorrectedCategory)
		if !ok {
			return nil, &domain.ValidationError{Field: "corrected_category", Reason: fmt.Sprintf("unknown category %q", req.CorrectedCategory)}
		}
		fb.CorrectedCategory = cat
	}
	if err := s.repo.SaveFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}

	s.audit(ctx, sess, "outbound", "feedback", fb.Comment, map[string]any{
		"confirmed":          fb.Confirmed,
		"corrected_category": fb.CorrectedCategory,
		"category":           sess.Result.Category,
	})
	return fb, nil
}

// FeedbackFor lists feedback given on a session.
func (s *Service) FeedbackFor(ctx context.Context, userID, sessionID string) ([]*domain.Feedback, error) {
	if _, err := s.load(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	out, err := s.repo.ListFeedback(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return out, nil
}

// Abandon closes an open session without a result. A session that is busy
// or already closed is left alone.
func (s *Service) Abandon(ctx context.Context, sessionID string) error {
	release, err := s.locks.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.load(ctx, "", sessionID)
	if err != nil {
		return err
	}
	if sess.State.Closed() {
		return nil
	}
	next := sess.Clone()
	next.State = domain.StateAbandoned
	next.Pending.Clear()
	next.UpdatedAt = s.now()
	if err := s.repo.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("save abandoned session: %w", err)
	}
	s.audit(ctx, next, "inbound", "session_abandoned", "", map[string]any{"round": next.Round, "previous_state": sess.State})
	return nil
}

// Stats summarizes stored classifications.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CategoryCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("category counts: %w", err)
	}
	st := Stats{
		Categories:    make(map[domain.Category]int, len(domain.Categories())),
		MatrixVersion: s.matrices.Current().Version,
		Provider:      s.provider.Name(),
		Model:         s.provider.Model(),
	}
	for _, c := range domain.Categories() {
		st.Categories[c] = counts[c]
		st.Total += counts[c]
	}
	return st, nil
}

func (s *Service) load(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || (userID != "" && sess.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
	}
	return sess, nil
}

// Close releases service resources.
func (s *Service) Close() {
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}

// sessionLocks admits one request per session at a time.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *sessionLocks) acquire(id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionBusy, id)
	}
	l.held[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, nil
}

type channelKey struct{}

// WithChannel tags ctx with the surface a request arrived on ("http", "ws",
// "mcp"); conversation log events carry it.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

func channelFrom(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok && v != "" {
		return v
	}
	return "service"
}

func (s *Service) audit(ctx context.Context, sess *domain.Session, direction, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  s.now().Format(time.RFC3339Nano),
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		Channel:    channelFrom(ctx),
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

func (s *Service) auditTurn(ctx context.Context, sess *domain.Session) {
	if r := sess.Result; r != nil {
		meta := map[string]any{
			"category":       r.Category,
			"confidence":     r.Confidence,
			"source":         r.Source,
			"low_confidence": r.LowConfidence,
			"model":          r.Model,
			"round":          sess.Round,
			"savings_ratio":  sess.Tokens.SavingsRatio(),
		}
		if r.Evaluation != nil {
			meta["matrix_version"] = r.Evaluation.MatrixVersion
			meta["original_category"] = r.Evaluation.OriginalCategory
			meta["needs_review"] = r.Evaluation.NeedsReview
		}
		s.audit(ctx, sess, "inbound", "classification_result", r.Rationale, meta)
		return
	}
	s.audit(ctx, sess, "inbound", "clarification_questions", strings.Join(sess.Pending.Questions, "\n"), map[string]any{
		"round":     sess.Round,
		"questions": sess.Pending.Len(),
		"streak":    sess.DegenerateStreak,
	})
}

func (s *Service) auditFailure(ctx context.Context, sess *domain.Session, op string, err error) {
	meta := map[string]any{"op": op, "round": sess.Round}
	var parseErr *conversation.ParseError
	if errors.As(err, &parseErr) {
		meta["raw_response"] = parseErr.Raw
	}
	s.audit(ctx, sess, "inbound", "turn_failed", err.Error(), meta)
}
