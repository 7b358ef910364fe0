// Package agent runs classification interviews for users: it glues the
// conversation controller, the decision matrix and the session store, and
// serves the interview over HTTP.
package agent

import (
	"time"

	"github.com/ashureev/catalaist/internal/domain"
)

// CreateSessionRequest starts an interview.
type CreateSessionRequest struct {
	Description string `json:"description"`
}

// AnswerRequest answers every pending question of the current round, in order.
type AnswerRequest struct {
	Answers []string `json:"answers"`
}

// FeedbackRequest is the user's verdict on a finished classification.
type FeedbackRequest struct {
	Confirmed         bool   `json:"confirmed"`
	CorrectedCategory string `json:"corrected_category,omitempty"`
	Comment           string `json:"comment,omitempty"`
}

// TokenView reports prompt footprint and the share saved by summarization.
type TokenView struct {
	domain.TokenStats
	SavingsRatio float64 `json:"savings_ratio"`
}

// SessionView is the client-facing rendering of a session.
type SessionView struct {
	ID                  string                       `json:"id"`
	State               domain.SessionState          `json:"state"`
	Round               int                          `json:"round"`
	MaxRounds           int                          `json:"max_rounds"`
	Description         string                       `json:"description"`
	Questions           []string                     `json:"questions"`
	History             []domain.QAPair              `json:"history"`
	Facts               []domain.Fact                `json:"facts"`
	ProvisionalCategory domain.Category              `json:"provisional_category,omitempty"`
	Result              *domain.ClassificationResult `json:"result,omitempty"`
	Tokens              TokenView                    `json:"tokens"`
	CreatedAt           time.Time                    `json:"created_at"`
	UpdatedAt           time.Time                    `json:"updated_at"`
}

// NewSessionView renders sess. Slices are never nil so clients always see arrays.
func NewSessionView(sess *domain.Session, maxRounds int) SessionView {
	v := SessionView{
		ID:                  sess.ID,
		State:               sess.State,
		Round:               sess.Round,
		MaxRounds:           maxRounds,
		Description:         sess.Description,
		Questions:           sess.Pending.Questions,
		History:             sess.History,
		Facts:               sess.Facts,
		ProvisionalCategory: sess.ProvisionalCategory,
		Result:              sess.Result,
		Tokens:              TokenView{TokenStats: sess.Tokens, SavingsRatio: sess.Tokens.SavingsRatio()},
		CreatedAt:           sess.CreatedAt,
		UpdatedAt:           sess.UpdatedAt,
	}
	if v.Questions == nil {
		v.Questions = []string{}
	}
	if v.History == nil {
		v.History = []domain.QAPair{}
	}
	if v.Facts == nil {
		v.Facts = []domain.Fact{}
	}
	return v
}

// Stats summarizes classifications across all users.
type Stats struct {
	Total         int                     `json:"total"`
	Categories    map[domain.Category]int `json:"categories"`
	MatrixVersion string                  `json:"matrix_version"`
	Provider      string                  `json:"provider"`
	Model         string                  `json:"model,omitempty"`
}
