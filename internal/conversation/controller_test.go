package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/llm"
	"github.com/google/go-cmp/cmp"
)

type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	errs     map[int]error
	requests []llm.Request
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "fake-model" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	if err := p.errs[i]; err != nil {
		return nil, err
	}
	if i >= len(p.replies) {
		return nil, errors.New("script exhausted")
	}
	return &llm.Response{Text: p.replies[i], Model: "fake-model", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type recordingScorer struct {
	states []domain.SessionState
	adjust float64
}

func (s *recordingScorer) Score(sess *domain.Session, r *domain.ClassificationResult) *domain.ClassificationResult {
	s.states = append(s.states, sess.State)
	r.Confidence += s.adjust
	r.Evaluation = &domain.MatrixEvaluation{MatrixVersion: "test", OriginalCategory: r.Category}
	return r
}

func newTestController(p llm.Provider, s Scorer, cfg Config) *Controller {
	c := NewController(p, s, cfg, slog.New(slog.DiscardHandler))
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	n := 0
	c.newID = func() string { n++; return "result-" + string(rune('0'+n)) }
	return c
}

func newSession() *domain.Session {
	return domain.NewSession("sess-1", "user-1", "tab-1", "Invoices arrive by email and are keyed into SAP.", time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
}

func TestThreeClarificationTemplatesForceTermination(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"action":"clarify","questions":["Clarification 1"],"provisional_category":"RPA","confidence":0.6}`,
		`{"action":"clarify","questions":["Clarification 2"]}`,
		`{"action":"clarify","questions":["Clarification 3"]}`,
		`{"action":"classify","category":"RPA","confidence":0.9,"rationale":"structured and repetitive"}`,
	}}
	scorer := &recordingScorer{}
	c := newTestController(p, scorer, Config{})
	ctx := context.Background()

	sess, err := c.Start(ctx, newSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != domain.StateAwaitingAnswer || sess.DegenerateStreak != 1 {
		t.Fatalf("after start: state=%s streak=%d", sess.State, sess.DegenerateStreak)
	}

	sess, err = c.Answer(ctx, sess, []string{"not sure"})
	if err != nil {
		t.Fatalf("Answer 1: %v", err)
	}
	if sess.State != domain.StateAwaitingAnswer || sess.DegenerateStreak != 2 {
		t.Fatalf("after answer 1: state=%s streak=%d", sess.State, sess.DegenerateStreak)
	}

	sess, err = c.Answer(ctx, sess, []string{"still not sure"})
	if err != nil {
		t.Fatalf("Answer 2: %v", err)
	}
	if sess.State != domain.StateTerminal {
		t.Fatalf("state = %s, want terminal", sess.State)
	}
	if sess.Pending.Len() != 0 {
		t.Fatalf("a fourth round was offered: %v", sess.Pending.Questions)
	}
	if p.calls() != 4 {
		t.Fatalf("provider calls = %d, want 4", p.calls())
	}
	if !strings.Contains(p.requests[3].Prompt, "You must classify now") {
		t.Fatal("loop stop did not send a forced classification prompt")
	}

	r := sess.Result
	if r == nil {
		t.Fatal("terminal session without result")
	}
	if r.Source != domain.SourceLoopDetected || !r.LowConfidence {
		t.Fatalf("result source=%s low=%v", r.Source, r.LowConfidence)
	}
	if r.Confidence > domain.LowConfidenceCap {
		t.Fatalf("confidence %v above cap", r.Confidence)
	}
	if diff := cmp.Diff([]domain.SessionState{domain.StateLoopDetected}, scorer.states); diff != "" {
		t.Fatalf("scored in wrong state (-want +got):\n%s", diff)
	}
}

func TestLoopStopFallsBackWhenForcedCallFails(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"action":"clarify","questions":["How often does it run?"],"provisional_category":"Digitise","confidence":0.7}`,
		`{"action":"clarify","questions":["How often does it run?"]}`,
		`{"action":"clarify","questions":["how often does it run"]}`,
		`{"action":"clarify","questions":["how often does it run??"]}`,
		`sorry, I cannot decide`,
	}}
	c := newTestController(p, nil, Config{})
	ctx := context.Background()

	sess, err := c.Start(ctx, newSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.DegenerateStreak != 0 {
		t.Fatalf("first question counted as degenerate")
	}
	for i := 0; i < 3; i++ {
		sess, err = c.Answer(ctx, sess, []string{"daily"})
		if err != nil {
			t.Fatalf("Answer %d: %v", i, err)
		}
	}
	if sess.State != domain.StateTerminal {
		t.Fatalf("state = %s, want terminal", sess.State)
	}
	r := sess.Result
	if r.Source != domain.SourceFallback || r.Category != domain.CategoryDigitise {
		t.Fatalf("result = %+v", r)
	}
	if !r.LowConfidence || r.Confidence != domain.LowConfidenceCap {
		t.Fatalf("confidence = %v low=%v", r.Confidence, r.LowConfidence)
	}
}

func TestNoJSONLeavesSessionUnchanged(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"action":"clarify","questions":["Who does the work?","How many invoices a day?"]}`,
		`It is probably RPA but I need to think about it.`,
	}}
	c := newTestController(p, nil, Config{})
	ctx := context.Background()

	sess, err := c.Start(ctx, newSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := sess.Clone()

	next, err := c.Answer(ctx, sess, []string{"two clerks", "about 300"})
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("err = %v, want ErrNoJSON", err)
	}
	var perr *ParseError
	if !errors.As(err, &perr) || perr.Raw == "" {
		t.Fatalf("err = %#v, want *ParseError with raw text", err)
	}
	if next != nil {
		t.Fatal("expected nil session on error")
	}
	if diff := cmp.Diff(before, sess); diff != "" {
		t.Fatalf("session mutated (-before +after):\n%s", diff)
	}
}

func TestProviderErrorIsReturned(t *testing.T) {
	boom := errors.New("connection reset")
	p := &scriptedProvider{errs: map[int]error{0: boom}}
	c := newTestController(p, nil, Config{})

	if _, err := c.Start(context.Background(), newSession()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
}

func TestNormalInterviewReachesTerminalThroughEvaluating(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"Here you go:\n```json\n" + `{"action":"clarify","questions":["How often?","Is the data structured?"],"key_facts":[{"key":"system","value":"SAP"}],"attributes":{"frequency":"daily"},"provisional_category":"rpa","confidence":0.55}` + "\n```",
		`{"action":"classify","category":"RPA","confidence":0.82,"rationale":"Rule based keying","key_facts":{"volume":"300/day"},"attributes":{"structured_data":true,"user_count":2}}`,
	}}
	scorer := &recordingScorer{adjust: 0.05}
	c := newTestController(p, scorer, Config{})
	ctx := context.Background()

	sess, err := c.Start(ctx, newSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sess.Pending.Len(); got != 2 {
		t.Fatalf("pending questions = %d, want 2", got)
	}
	if sess.ProvisionalCategory != domain.CategoryRPA {
		t.Fatalf("provisional = %q", sess.ProvisionalCategory)
	}

	sess, err = c.Answer(ctx, sess, []string{"Every day", "Yes, a fixed template"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if sess.State != domain.StateTerminal || sess.Round != 1 {
		t.Fatalf("state=%s round=%d", sess.State, sess.Round)
	}
	r := sess.Result
	if r.Source != domain.SourceLLM || r.Category != domain.CategoryRPA || r.LowConfidence {
		t.Fatalf("result = %+v", r)
	}
	if r.Confidence < 0.869 || r.Confidence > 0.871 {
		t.Fatalf("confidence = %v, want scorer-adjusted 0.87", r.Confidence)
	}
	wantAttrs := map[string]string{"frequency": "daily", "structured_data": "true", "user_count": "2"}
	if diff := cmp.Diff(wantAttrs, r.Attributes); diff != "" {
		t.Fatalf("attributes (-want +got):\n%s", diff)
	}
	if len(r.Facts) != 2 {
		t.Fatalf("facts = %+v", r.Facts)
	}
	if diff := cmp.Diff([]domain.SessionState{domain.StateEvaluating}, scorer.states); diff != "" {
		t.Fatalf("scored in wrong state (-want +got):\n%s", diff)
	}
	if err := sess.Validate(); err != nil {
		t.Fatalf("terminal session invalid: %v", err)
	}
	if sess.Tokens.Calls != 2 || sess.Tokens.PromptTokens != 20 {
		t.Fatalf("tokens = %+v", sess.Tokens)
	}
}

func TestMaxRoundsForcesClassification(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"action":"clarify","questions":["Who approves?"]}`,
		`{"action":"clarify","questions":["What system holds the data?"]}`,
		`{"action":"classify","category":"Digitise","confidence":0.7}`,
	}}
	c := newTestController(p, nil, Config{MaxRounds: 2})
	ctx := context.Background()

	sess, err := c.Start(ctx, newSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess, err = c.Answer(ctx, sess, []string{"a manager"}); err != nil {
		t.Fatalf("Answer 1: %v", err)
	}
	if strings.Contains(p.requests[1].Prompt, "You must classify now") {
		t.Fatal("forced before the round cap")
	}
	if sess, err = c.Answer(ctx, sess, []string{"spreadsheets"}); err != nil {
		t.Fatalf("Answer 2: %v", err)
	}
	if !strings.Contains(p.requests[2].Prompt, "You must classify now") {
		t.Fatal("round cap did not force classification")
	}
	if sess.Result.Source != domain.SourceForced || sess.Result.LowConfidence {
		t.Fatalf("result = %+v", sess.Result)
	}
}

func TestForcedTurnReturningQuestionsFallsBack(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`{"action":"clarify","questions":["Anything else?"]}`,
	}}
	c := newTestController(p, nil, Config{})

	sess, err := c.Finalize(context.Background(), newSession())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if sess.Result.Source != domain.SourceFallback || sess.Result.Category != fallbackCategory {
		t.Fatalf("result = %+v", sess.Result)
	}
}

func TestAnswerValidation(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"action":"clarify","questions":["A?","B?"]}`}}
	c := newTestController(p, nil, Config{})
	ctx := context.Background()

	if _, err := c.Answer(ctx, newSession(), []string{"x"}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("answer in start state: err = %v", err)
	}

	sess, err := c.Start(ctx, newSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Answer(ctx, sess, []string{"only one"}); !errors.Is(err, domain.ErrAnswerCount) {
		t.Fatalf("err = %v, want ErrAnswerCount", err)
	}
	if _, err := c.Answer(ctx, sess, []string{"fine", strings.Repeat("x", 5001)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("oversized answer: err = %v, want ErrValidation", err)
	}
	if _, err := c.Start(ctx, sess); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("restart: err = %v", err)
	}
	if p.calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.calls())
	}
}
