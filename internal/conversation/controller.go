// Package conversation drives the clarification interview that leads to a
// process classification.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/llm"
	"github.com/google/uuid"
)

// DefaultMaxRounds is the number of answered rounds after which the
// controller classifies without asking more questions.
const DefaultMaxRounds = 8

// fallbackCategory is used when no provisional category was ever reported.
const fallbackCategory = domain.CategorySimplify

// Config tunes the controller.
type Config struct {
	MaxRounds     int
	LoopThreshold int
	MaxTokens     int
	Temperature   float64
	Summary       SummaryConfig
}

// Scorer adjusts a freshly produced result before the session becomes
// terminal. The decision matrix implements it.
type Scorer interface {
	Score(sess *domain.Session, result *domain.ClassificationResult) *domain.ClassificationResult
}

// Controller runs the interview state machine:
// start -> awaiting_answer -> (evaluating | loop_detected) -> terminal.
//
// Every operation works on a copy of the session and returns the new state.
// On error the caller's session is untouched.
type Controller struct {
	provider   llm.Provider
	scorer     Scorer
	summarizer *Summarizer
	detector   LoopDetector
	cfg        Config
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewController creates a controller. scorer may be nil.
func NewController(provider llm.Provider, scorer Scorer, cfg Config, logger *slog.Logger) *Controller {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = DefaultLoopThreshold
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		provider:   provider,
		scorer:     scorer,
		summarizer: NewSummarizer(cfg.Summary),
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Summarizer returns the summarizer used to build prompts.
func (c *Controller) Summarizer() *Summarizer {
	return c.summarizer
}

// Start performs the first LLM turn for a new session.
func (c *Controller) Start(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	if sess.State != domain.StateStart {
		return nil, &domain.StateError{Op: "start", State: sess.State}
	}
	work := sess.Clone()
	if err := c.turn(ctx, work, false); err != nil {
		return nil, err
	}
	return work, nil
}

// Answer records answers for the pending batch and performs the next turn.
// Once MaxRounds rounds are answered the next turn is a forced classification.
func (c *Controller) Answer(ctx context.Context, sess *domain.Session, answers []string) (*domain.Session, error) {
	work := sess.Clone()
	if err := work.RecordAnswers(answers, c.now()); err != nil {
		return nil, err
	}
	if err := c.turn(ctx, work, work.Round >= c.cfg.MaxRounds); err != nil {
		return nil, err
	}
	return work, nil
}

// Finalize classifies immediately with what is known so far.
func (c *Controller) Finalize(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	if sess.State != domain.StateStart && sess.State != domain.StateAwaitingAnswer {
		return nil, &domain.StateError{Op: "finalize", State: sess.State}
	}
	work := sess.Clone()
	work.Pending.Clear()
	if err := c.turn(ctx, work, true); err != nil {
		return nil, err
	}
	return work, nil
}

func (c *Controller) turn(ctx context.Context, work *domain.Session, force bool) error {
	resp, turn, err := c.call(ctx, work, force)
	if err != nil {
		return err
	}
	c.absorb(work, turn)

	log := c.logger.With("session_id", work.ID, "round", work.Round)

	if turn.Kind == TurnClassify {
		source := domain.SourceLLM
		if force {
			source = domain.SourceForced
		}
		log.Info("classification produced", "category", turn.Category, "confidence", turn.Confidence, "source", source)
		c.conclude(work, turn.Category, turn.Confidence, turn.Rationale, source, resp.Model)
		return nil
	}

	if force {
		log.Warn("forced turn returned questions; using provisional category")
		c.fallback(work, resp.Model)
		return nil
	}

	verdict := c.detector.Inspect(turn.Questions, work.AskedQuestions())
	if verdict.Degenerate {
		work.DegenerateStreak++
		log.Warn("degenerate clarification turn", "reason", verdict.Reason, "streak", work.DegenerateStreak)
	} else {
		work.DegenerateStreak = 0
	}

	if work.DegenerateStreak >= c.cfg.LoopThreshold {
		work.State = domain.StateLoopDetected
		log.Warn("clarification loop detected; forcing classification", "threshold", c.cfg.LoopThreshold)
		c.stopLoop(ctx, work)
		return nil
	}

	work.Pending.Reset(turn.Questions, c.now())
	work.State = domain.StateAwaitingAnswer
	work.UpdatedAt = c.now()
	return nil
}

// stopLoop makes one forced classification attempt after a loop. Any failure
// falls back to the provisional category; a loop stop is never an error.
func (c *Controller) stopLoop(ctx context.Context, work *domain.Session) {
	resp, turn, err := c.call(ctx, work, true)
	if err != nil {
		c.logger.Warn("forced classification after loop failed", "session_id", work.ID, "error", err)
		c.fallback(work, c.provider.Model())
		return
	}
	c.absorb(work, turn)
	if turn.Kind != TurnClassify {
		c.fallback(work, resp.Model)
		return
	}
	c.conclude(work, turn.Category, turn.Confidence, turn.Rationale, domain.SourceLoopDetected, resp.Model)
}

func (c *Controller) call(ctx context.Context, work *domain.Session, force bool) (*llm.Response, *Turn, error) {
	digest := c.summarizer.Summarize(work)
	prompt := BuildPrompt(digest, c.cfg.MaxRounds, force)

	resp, err := c.provider.Complete(ctx, llm.Request{
		System:      prompt.System,
		Prompt:      prompt.User,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		JSON:        true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%s completion: %w", c.provider.Name(), err)
	}

	work.Tokens.Calls++
	work.Tokens.DigestTokens += EstimateTokens(digest.Render())
	work.Tokens.FullHistoryTokens += FullHistoryTokens(work)
	work.Tokens.PromptTokens += resp.Usage.PromptTokens
	work.Tokens.CompletionTokens += resp.Usage.CompletionTokens

	turn, err := ParseTurn(resp.Text)
	if err != nil {
		c.logger.Warn("unparseable LLM response", "session_id", work.ID, "round", work.Round, "error", err)
		return resp, nil, err
	}
	return resp, turn, nil
}

func (c *Controller) absorb(work *domain.Session, turn *Turn) {
	for _, f := range turn.Facts {
		f.Source = domain.FactSourceLLM
		work.UpsertFact(f)
	}
	for k, v := range turn.Attributes {
		work.SetAttribute(k, v)
	}
	if turn.Kind == TurnClarify && turn.Category != domain.CategoryUnassigned {
		work.ProvisionalCategory = turn.Category
		work.ProvisionalConfidence = turn.Confidence
	}
}

func (c *Controller) fallback(work *domain.Session, model string) {
	cat := work.ProvisionalCategory
	confidence := work.ProvisionalConfidence
	rationale := "Interview stopped before a final answer; using the most recent provisional category."
	if cat == domain.CategoryUnassigned {
		cat = fallbackCategory
		confidence = 0.2
		rationale = "Interview stopped before any category emerged; review the process manually."
	}
	c.conclude(work, cat, confidence, rationale, domain.SourceFallback, model)
}

func (c *Controller) conclude(work *domain.Session, cat domain.Category, confidence float64, rationale string, source domain.ResultSource, model string) {
	now := c.now()
	if work.State != domain.StateLoopDetected {
		work.State = domain.StateEvaluating
	}
	result := &domain.ClassificationResult{
		ID:         c.newID(),
		SessionID:  work.ID,
		Category:   cat,
		Confidence: min(max(confidence, 0), 1),
		Rationale:  rationale,
		Facts:      slices.Clone(work.Facts),
		Attributes: maps.Clone(work.Attributes),
		Source:     source,
		Model:      model,
		CreatedAt:  now,
	}
	if c.scorer != nil {
		result = c.scorer.Score(work, result)
		result.Confidence = min(max(result.Confidence, 0), 1)
	}
	if source == domain.SourceLoopDetected || source == domain.SourceFallback {
		result.LowConfidence = true
		result.Confidence = min(result.Confidence, domain.LowConfidenceCap)
	}
	if result.Confidence < domain.LowConfidenceCap {
		result.LowConfidence = true
	}

	work.Result = result
	work.State = domain.StateTerminal
	work.Pending.Clear()
	work.UpdatedAt = now
}
