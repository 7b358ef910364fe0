package mcptools

import (
	"context"
	"io"
	"log"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Service is what the tools need from the interview service.
type Service interface {
	agent.Interviewer
	MatrixEvaluator
}

// New creates an MCP server with every classification tool registered. All
// interviews run as userID.
func New(svc Service, userID string) *server.MCPServer {
	s := server.NewMCPServer(
		"catalaist",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	start := NewStartTool(svc, userID)
	s.AddTool(start.Definition(), start.Handle)

	answer := NewAnswerTool(svc, userID)
	s.AddTool(answer.Definition(), answer.Handle)

	finalize := NewFinalizeTool(svc, userID)
	s.AddTool(finalize.Definition(), finalize.Handle)

	status := NewStatusTool(svc, userID)
	s.AddTool(status.Definition(), status.Handle)

	evaluate := NewMatrixEvaluateTool(svc)
	s.AddTool(evaluate.Definition(), evaluate.Handle)

	return s
}

// ServeStdio runs s over the given streams until ctx is cancelled. Protocol
// errors go to errLog; stdout carries JSON-RPC only.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, errLog *log.Logger) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(errLog)
	return stdio.Listen(ctx, in, out)
}

const instructions = `CatalAIst classifies business processes into one of six transformation categories:
Eliminate, Simplify, Digitise, RPA, AI Agent, Agentic AI.

1. Call classify_start with a description of the process.
2. While the session state is "awaiting_answer", ask the user the listed questions and
   call classify_answer with one answer per question, in order.
3. Call classify_finalize to classify early with what is known.
4. When the state is "terminal" the result holds the category, confidence and rationale.

Errors marked (retryable) can be retried unchanged.`
