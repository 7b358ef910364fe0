package domain

import (
	"time"
)

// ResultSource records how the interview reached its terminal state.
type ResultSource string

const (
	SourceLLM          ResultSource = "llm"
	SourceForced       ResultSource = "forced"
	SourceLoopDetected ResultSource = "loop_detected"
	SourceFallback     ResultSource = "fallback"
)

// LowConfidenceCap bounds the confidence of best-effort results.
const LowConfidenceCap = 0.5

// TriggeredRule records a decision matrix rule that matched.
type TriggeredRule struct {
	RuleID    string `json:"rule_id"`
	RuleName  string `json:"rule_name"`
	Action    string `json:"action"`
	Rationale string `json:"rationale,omitempty"`
}

// MatrixEvaluation is the decision matrix outcome attached to a result.
type MatrixEvaluation struct {
	MatrixVersion      string          `json:"matrix_version"`
	OriginalCategory   Category        `json:"original_category"`
	OriginalConfidence float64         `json:"original_confidence"`
	TriggeredRules     []TriggeredRule `json:"triggered_rules,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
	Overridden         bool            `json:"overridden"`
	NeedsReview        bool            `json:"needs_review"`
}

// ClassificationResult is the final outcome of a session. It is created once
// and never modified afterwards.
type ClassificationResult struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Category      Category          `json:"category"`
	Confidence    float64           `json:"confidence"`
	Rationale     string            `json:"rationale"`
	Facts         []Fact            `json:"facts,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Source        ResultSource      `json:"source"`
	LowConfidence bool              `json:"low_confidence"`
	Evaluation    *MatrixEvaluation `json:"evaluation,omitempty"`
	Model         string            `json:"model,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Feedback is a user's verdict on a classification.
type Feedback struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Confirmed         bool      `json:"confirmed"`
	CorrectedCategory Category  `json:"corrected_category,omitempty"`
	Comment           string    `json:"comment,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
