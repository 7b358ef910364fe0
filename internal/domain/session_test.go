package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestQuestionBatchResetClearsStaleAnswers(t *testing.T) {
	t.Parallel()

	var b QuestionBatch
	b.Reset([]string{"How often?", "Who runs it?"}, time.Now())
	if err := b.Fill([]string{"daily", "finance team"}); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	b.Reset([]string{"Which systems?", "How many steps?", "Any approvals?"}, time.Now())

	if len(b.Answers) != 3 {
		t.Fatalf("expected 3 answer slots, got %d", len(b.Answers))
	}
	for i, a := range b.Answers {
		if a != "" {
			t.Fatalf("slot %d leaked stale answer %q", i, a)
		}
	}
}

func TestQuestionBatchResetCopiesQuestions(t *testing.T) {
	t.Parallel()

	questions := []string{"a?", "b?"}
	var b QuestionBatch
	b.Reset(questions, time.Now())
	questions[0] = "mutated"

	if b.Questions[0] != "a?" {
		t.Fatalf("batch shares caller slice: %q", b.Questions[0])
	}
}

func TestQuestionBatchFillRejectsWrongCount(t *testing.T) {
	t.Parallel()

	var b QuestionBatch
	b.Reset([]string{"one?", "two?"}, time.Now())

	err := b.Fill([]string{"only one"})
	if !errors.Is(err, ErrAnswerCount) {
		t.Fatalf("expected ErrAnswerCount, got %v", err)
	}
	var countErr *AnswerCountError
	if !errors.As(err, &countErr) || countErr.Want != 2 || countErr.Got != 1 {
		t.Fatalf("unexpected count error: %#v", err)
	}
}

func TestQuestionBatchFillRejectsBlankAnswer(t *testing.T) {
	t.Parallel()

	var b QuestionBatch
	b.Reset([]string{"one?"}, time.Now())

	if err := b.Fill([]string{"   "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestQuestionBatchFillRejectsOversizedAnswer(t *testing.T) {
	t.Parallel()

	var b QuestionBatch
	b.Reset([]string{"one?", "two?"}, time.Now())

	err := b.Fill([]string{"fine", strings.Repeat("x", maxAnswerLen+1)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if b.Answers[0] != "" {
		t.Fatalf("rejected batch should leave slots empty, got %q", b.Answers[0])
	}
	if err := b.Fill([]string{"fine", "  " + strings.Repeat("x", maxAnswerLen) + "  "}); err != nil {
		t.Fatalf("answer at the limit rejected: %v", err)
	}
}

func TestRecordAnswersAdvancesRound(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewSession("s1", "u1", "tab", "Invoice approval", now)
	s.State = StateAwaitingAnswer
	s.Pending.Reset([]string{"How often?"}, now)

	if err := s.RecordAnswers([]string{" weekly "}, now); err != nil {
		t.Fatalf("RecordAnswers failed: %v", err)
	}
	if s.Round != 1 {
		t.Fatalf("expected round 1, got %d", s.Round)
	}
	if len(s.History) != 1 || s.History[0].Answer != "weekly" || s.History[0].Round != 1 {
		t.Fatalf("unexpected history: %+v", s.History)
	}
	if s.Pending.Len() != 0 {
		t.Fatalf("expected pending batch to be cleared")
	}
}

func TestRecordAnswersRequiresAwaitingState(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", "u1", "tab", "Invoice approval", time.Now())
	err := s.RecordAnswers([]string{"x"}, time.Now())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpsertFactReplacesByKey(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", "u1", "tab", "desc", time.Now())
	s.UpsertFact(Fact{Key: "frequency", Value: "daily"})
	s.UpsertFact(Fact{Key: "volume", Value: "200/day"})
	s.UpsertFact(Fact{Key: "Frequency", Value: "hourly"})
	s.UpsertFact(Fact{Key: "", Value: "ignored"})

	if len(s.Facts) != 2 {
		t.Fatalf("expected 2 facts, got %+v", s.Facts)
	}
	last := s.Facts[len(s.Facts)-1]
	if last.Value != "hourly" {
		t.Fatalf("expected replaced fact last, got %+v", last)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", "u1", "tab", "desc", time.Now())
	s.History = []QAPair{{Question: "q", Answer: "a", Round: 1}}
	s.SetAttribute("frequency", "daily")

	c := s.Clone()
	c.History[0].Answer = "changed"
	c.Attributes["frequency"] = "never"

	if s.History[0].Answer != "a" || s.Attributes["frequency"] != "daily" {
		t.Fatal("clone mutated the original session")
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"Eliminate", CategoryEliminate, true},
		{"digitize", CategoryDigitise, true},
		{"ai_agent", CategoryAIAgent, true},
		{"Agentic-AI", CategoryAgenticAI, true},
		{" RPA ", CategoryRPA, true},
		{"teleport", CategoryUnassigned, false},
		{"", CategoryUnassigned, false},
	}
	for _, tt := range tests {
		got, ok := ParseCategory(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseCategory(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSessionValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	valid := NewSession("s1", "u1", "tab", "Monthly payroll run", now)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid session, got %v", err)
	}

	terminal := valid.Clone()
	terminal.State = StateTerminal
	if err := terminal.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("terminal without result should fail validation, got %v", err)
	}

	badResult := valid.Clone()
	badResult.State = StateTerminal
	badResult.Result = &ClassificationResult{ID: "r1", SessionID: "s1", Category: "Teleport", Source: SourceLLM}
	if err := badResult.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown category should fail validation, got %v", err)
	}

	awaiting := valid.Clone()
	awaiting.State = StateAwaitingAnswer
	if err := awaiting.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("awaiting without questions should fail validation, got %v", err)
	}
}

func TestTokenStatsSavingsRatio(t *testing.T) {
	t.Parallel()

	stats := TokenStats{DigestTokens: 400, FullHistoryTokens: 1000}
	if got := stats.SavingsRatio(); got < 0.59 || got > 0.61 {
		t.Fatalf("expected ~0.6 savings, got %v", got)
	}
	if (TokenStats{}).SavingsRatio() != 0 {
		t.Fatal("expected zero ratio without history")
	}
}
