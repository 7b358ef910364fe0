package domain

import (
	"fmt"
	"strings"
)

const (
	maxDescriptionLen = 10000
	maxAnswerLen      = 5000
	maxCommentLen     = 2000
)

// Validate checks a session before it is persisted.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(s.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	desc := strings.TrimSpace(s.Description)
	if desc == "" {
		return &ValidationError{Field: "description", Reason: "is required"}
	}
	if len(desc) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("exceeds %d characters", maxDescriptionLen)}
	}
	switch s.State {
	case StateStart, StateAwaitingAnswer, StateEvaluating, StateLoopDetected, StateTerminal, StateAbandoned:
	default:
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", s.State)}
	}
	if s.Round < 0 {
		return &ValidationError{Field: "round", Reason: "must not be negative"}
	}
	if len(s.Pending.Answers) != len(s.Pending.Questions) {
		return &ValidationError{Field: "pending", Reason: "answer slots do not match questions"}
	}
	if s.State == StateAwaitingAnswer && s.Pending.Len() == 0 {
		return &ValidationError{Field: "pending", Reason: "awaiting answers without questions"}
	}
	for i, p := range s.History {
		if strings.TrimSpace(p.Question) == "" {
			return &ValidationError{Field: "history", Reason: fmt.Sprintf("entry %d has no question", i)}
		}
		if len(p.Answer) > maxAnswerLen {
			return &ValidationError{Field: "history", Reason: fmt.Sprintf("entry %d answer exceeds %d characters", i, maxAnswerLen)}
		}
	}
	if s.State == StateTerminal && s.Result == nil {
		return &ValidationError{Field: "result", Reason: "terminal session has no result"}
	}
	if s.Result != nil {
		if err := s.Result.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a classification result before it is persisted.
func (r *ClassificationResult) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "result.id", Reason: "is required"}
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return &ValidationError{Field: "result.session_id", Reason: "is required"}
	}
	if !r.Category.Valid() {
		return &ValidationError{Field: "result.category", Reason: fmt.Sprintf("unknown category %q", r.Category)}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "result.confidence", Reason: "must be between 0 and 1"}
	}
	switch r.Source {
	case SourceLLM, SourceForced, SourceLoopDetected, SourceFallback:
	default:
		return &ValidationError{Field: "result.source", Reason: fmt.Sprintf("unknown source %q", r.Source)}
	}
	return nil
}

// Validate checks feedback before it is persisted.
func (f *Feedback) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(f.SessionID) == "" {
		return &ValidationError{Field: "session_id", Reason: "is required"}
	}
	if !f.Confirmed && !f.CorrectedCategory.Valid() {
		return &ValidationError{Field: "corrected_category", Reason: "required when the classification is rejected"}
	}
	if len(f.Comment) > maxCommentLen {
		return &ValidationError{Field: "comment", Reason: fmt.Sprintf("exceeds %d characters", maxCommentLen)}
	}
	return nil
}
