package mcptools

import (
	"context"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/mark3labs/mcp-go/mcp"
)

// StartTool handles the classify_start MCP tool.
type StartTool struct {
	svc    agent.Interviewer
	userID string
}

// NewStartTool creates a StartTool acting as userID.
func NewStartTool(svc agent.Interviewer, userID string) *StartTool {
	return &StartTool{svc: svc, userID: userID}
}

// Definition returns the MCP tool definition for classify_start.
func (t *StartTool) Definition() mcp.Tool {
	return mcp.NewTool("classify_start",
		mcp.WithDescription(
			"Start classifying a business process. Returns the session with either "+
				"clarification questions to answer or a final classification.",
		),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("Plain-language description of the business process"),
		),
	)
}

// Handle processes the classify_start tool call.
func (t *StartTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description := req.GetString("description", "")
	if description == "" {
		return mcp.NewToolResultError("'description' is required"), nil
	}
	sess, err := t.svc.CreateSession(withChannel(ctx), t.userID, channel, description)
	if err != nil {
		return errorResult("classify_start", err), nil
	}
	return sessionResult(sess, t.svc.MaxRounds())
}

// AnswerTool handles the classify_answer MCP tool.
type AnswerTool struct {
	svc    agent.Interviewer
	userID string
}

// NewAnswerTool creates an AnswerTool acting as userID.
func NewAnswerTool(svc agent.Interviewer, userID string) *AnswerTool {
	return &AnswerTool{svc: svc, userID: userID}
}

// Definition returns the MCP tool definition for classify_answer.
func (t *AnswerTool) Definition() mcp.Tool {
	return mcp.NewTool("classify_answer",
		mcp.WithDescription(
			"Answer the pending clarification questions of a session. Provide exactly "+
				"one answer per question, in order.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier returned by classify_start"),
		),
		mcp.WithArray("answers",
			mcp.Required(),
			mcp.Description("One answer per pending question"),
			mcp.WithStringItems(),
		),
	)
}

// Handle processes the classify_answer tool call.
func (t *AnswerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	answers, err := req.RequireStringSlice("answers")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := t.svc.Answer(withChannel(ctx), t.userID, id, answers)
	if err != nil {
		return errorResult("classify_answer", err), nil
	}
	return sessionResult(sess, t.svc.MaxRounds())
}

// FinalizeTool handles the classify_finalize MCP tool.
type FinalizeTool struct {
	svc    agent.Interviewer
	userID string
}

// NewFinalizeTool creates a FinalizeTool acting as userID.
func NewFinalizeTool(svc agent.Interviewer, userID string) *FinalizeTool {
	return &FinalizeTool{svc: svc, userID: userID}
}

// Definition returns the MCP tool definition for classify_finalize.
func (t *FinalizeTool) Definition() mcp.Tool {
	return mcp.NewTool("classify_finalize",
		mcp.WithDescription(
			"Skip the remaining questions and classify with what is known so far.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier returned by classify_start"),
		),
	)
}

// Handle processes the classify_finalize tool call.
func (t *FinalizeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	sess, err := t.svc.Classify(withChannel(ctx), t.userID, id)
	if err != nil {
		return errorResult("classify_finalize", err), nil
	}
	return sessionResult(sess, t.svc.MaxRounds())
}

// StatusTool handles the classify_status MCP tool.
type StatusTool struct {
	svc    agent.Interviewer
	userID string
}

// NewStatusTool creates a StatusTool acting as userID.
func NewStatusTool(svc agent.Interviewer, userID string) *StatusTool {
	return &StatusTool{svc: svc, userID: userID}
}

// Definition returns the MCP tool definition for classify_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("classify_status",
		mcp.WithDescription("Show the current state of a classification session."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier returned by classify_start"),
		),
	)
}

// Handle processes the classify_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	sess, err := t.svc.Session(ctx, t.userID, id)
	if err != nil {
		return errorResult("classify_status", err), nil
	}
	return sessionResult(sess, t.svc.MaxRounds())
}
