package domain

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SessionState is a position in the interview state machine.
type SessionState string

const (
	StateStart          SessionState = "start"
	StateAwaitingAnswer SessionState = "awaiting_answer"
	StateEvaluating     SessionState = "evaluating"
	StateLoopDetected   SessionState = "loop_detected"
	StateTerminal       SessionState = "terminal"
	StateAbandoned      SessionState = "abandoned"
)

// Closed reports whether no further rounds can happen in this state.
func (s SessionState) Closed() bool {
	return s == StateTerminal || s == StateAbandoned
}

// QAPair is one clarification round exchange.
type QAPair struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	Round    int       `json:"round"`
	AskedAt  time.Time `json:"asked_at"`
}

// Fact source values.
const (
	FactSourceLLM     = "llm"
	FactSourceSummary = "summary"
)

// Fact is a key fact extracted from the conversation.
type Fact struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

// QuestionBatch holds the questions of the current round and one answer slot per question.
type QuestionBatch struct {
	Questions []string  `json:"questions"`
	Answers   []string  `json:"answers"`
	AskedAt   time.Time `json:"asked_at"`
}

// Reset replaces the batch with new questions. The answer slots are always
// reallocated so answers from a previous batch can never carry over.
func (b *QuestionBatch) Reset(questions []string, at time.Time) {
	b.Questions = slices.Clone(questions)
	b.Answers = make([]string, len(questions))
	b.AskedAt = at
}

// Clear empties the batch.
func (b *QuestionBatch) Clear() {
	b.Questions = nil
	b.Answers = nil
	b.AskedAt = time.Time{}
}

// Len returns the number of pending questions.
func (b *QuestionBatch) Len() int {
	return len(b.Questions)
}

// Fill copies answers into the slots. The answer count must match the
// question count and every answer must be non-blank and within the length
// a stored session accepts.
func (b *QuestionBatch) Fill(answers []string) error {
	if len(answers) != len(b.Questions) {
		return &AnswerCountError{Want: len(b.Questions), Got: len(answers)}
	}
	for i, a := range answers {
		a = strings.TrimSpace(a)
		if a == "" {
			return &ValidationError{Field: "answers", Reason: "answer " + strconv.Itoa(i+1) + " is empty"}
		}
		if len(a) > maxAnswerLen {
			return &ValidationError{Field: "answers", Reason: "answer " + strconv.Itoa(i+1) + " exceeds " + strconv.Itoa(maxAnswerLen) + " characters"}
		}
	}
	b.Answers = make([]string, len(answers))
	for i, a := range answers {
		b.Answers[i] = strings.TrimSpace(a)
	}
	return nil
}

// Pairs converts the filled batch into history entries.
func (b *QuestionBatch) Pairs(round int) []QAPair {
	pairs := make([]QAPair, 0, len(b.Questions))
	for i, q := range b.Questions {
		answer := ""
		if i < len(b.Answers) {
			answer = b.Answers[i]
		}
		pairs = append(pairs, QAPair{Question: q, Answer: answer, Round: round, AskedAt: b.AskedAt})
	}
	return pairs
}

// TokenStats tracks estimated prompt footprint for a session.
type TokenStats struct {
	Calls             int `json:"calls"`
	DigestTokens      int `json:"digest_tokens"`
	FullHistoryTokens int `json:"full_history_tokens"`
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
}

// SavingsRatio returns the fraction of history tokens avoided by summarization.
func (t TokenStats) SavingsRatio() float64 {
	if t.FullHistoryTokens <= 0 {
		return 0
	}
	ratio := 1 - float64(t.DigestTokens)/float64(t.FullHistoryTokens)
	if ratio < 0 {
		return 0
	}
	return ratio
}

// Session is the conversation state of one classification interview.
// It is owned by a single controller call at a time.
type Session struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	TabID       string        `json:"tab_id"`
	Description string        `json:"description"`
	State       SessionState  `json:"state"`
	Round       int           `json:"round"`
	History     []QAPair      `json:"history"`
	Facts       []Fact        `json:"facts"`
	Pending     QuestionBatch `json:"pending"`

	// DegenerateStreak counts consecutive LLM turns judged repetitive.
	DegenerateStreak int `json:"degenerate_streak"`

	ProvisionalCategory   Category          `json:"provisional_category,omitempty"`
	ProvisionalConfidence float64           `json:"provisional_confidence,omitempty"`
	Attributes            map[string]string `json:"attributes,omitempty"`
	Tokens                TokenStats        `json:"tokens"`

	Result    *ClassificationResult `json:"result,omitempty"`
	LastError string                `json:"last_error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewSession creates a session in the start state.
func NewSession(id, userID, tabID, description string, now time.Time) *Session {
	return &Session{
		ID:          id,
		UserID:      userID,
		TabID:       tabID,
		Description: strings.TrimSpace(description),
		State:       StateStart,
		Attributes:  make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RecordAnswers fills the pending batch, appends it to history and advances the round.
func (s *Session) RecordAnswers(answers []string, now time.Time) error {
	if s.State != StateAwaitingAnswer {
		return &StateError{Op: "answer", State: s.State}
	}
	if err := s.Pending.Fill(answers); err != nil {
		return err
	}
	s.Round++
	s.History = append(s.History, s.Pending.Pairs(s.Round)...)
	s.Pending.Clear()
	s.UpdatedAt = now
	return nil
}

// RecentPairs returns the last n history entries.
func (s *Session) RecentPairs(n int) []QAPair {
	if n <= 0 {
		return nil
	}
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// AskedQuestions returns every question asked so far, oldest first.
func (s *Session) AskedQuestions() []string {
	out := make([]string, 0, len(s.History)+s.Pending.Len())
	for _, p := range s.History {
		out = append(out, p.Question)
	}
	return append(out, s.Pending.Questions...)
}

// UpsertFact stores a fact, replacing any previous fact with the same key.
func (s *Session) UpsertFact(f Fact) {
	f.Key = strings.TrimSpace(f.Key)
	f.Value = strings.TrimSpace(f.Value)
	if f.Key == "" || f.Value == "" {
		return
	}
	for i := range s.Facts {
		if strings.EqualFold(s.Facts[i].Key, f.Key) {
			s.Facts = append(s.Facts[:i], s.Facts[i+1:]...)
			break
		}
	}
	s.Facts = append(s.Facts, f)
}

// SetAttribute records a process attribute used by the decision matrix.
func (s *Session) SetAttribute(name, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[name] = strings.TrimSpace(value)
}

// Clone returns a deep copy. The Result is shared because it is immutable.
func (s *Session) Clone() *Session {
	c := *s
	c.History = slices.Clone(s.History)
	c.Facts = slices.Clone(s.Facts)
	c.Pending.Questions = slices.Clone(s.Pending.Questions)
	c.Pending.Answers = slices.Clone(s.Pending.Answers)
	c.Attributes = maps.Clone(s.Attributes)
	return &c
}
