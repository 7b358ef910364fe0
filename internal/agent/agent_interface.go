package agent

import (
	"context"

	"github.com/ashureev/catalaist/internal/domain"
)

// Interviewer is the interview surface shared by the HTTP handler, the
// websocket endpoint and the MCP tools.
type Interviewer interface {
	// CreateSession validates the description and runs the first turn.
	CreateSession(ctx context.Context, userID, tabID, description string) (*domain.Session, error)

	// Answer fills the pending batch and runs the next turn.
	Answer(ctx context.Context, userID, sessionID string, answers []string) (*domain.Session, error)

	// Classify skips the remaining questions.
	Classify(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// Session loads a session owned by userID.
	Session(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// MaxRounds is the answered-round cap after which classification is forced.
	MaxRounds() int
}

// Ensure Service implements Interviewer.
var _ Interviewer = (*Service)(nil)
