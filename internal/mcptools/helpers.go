// Package mcptools exposes the classification interview as MCP tools.
//
// Each tool follows the same shape:
//   - a struct with its dependencies injected via constructor
//   - Definition() returns the mcp.Tool schema
//   - Handle() processes the request and returns a result
//
// Service failures are reported as tool errors, never as protocol errors,
// so the calling model can read them and retry.
package mcptools

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/ashureev/catalaist/internal/api"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
)

// channel tags conversation log events raised from MCP calls.
const channel = "mcp"

func withChannel(ctx context.Context) context.Context {
	return agent.WithChannel(ctx, channel)
}

// errorResult renders a service error with its stable code. Client errors
// carry the full message; server errors only the public summary.
func errorResult(op string, err error) *mcp.CallToolResult {
	status, body := api.Classify(err)
	detail := body.Error
	if status < http.StatusInternalServerError {
		detail = err.Error()
	}
	msg := fmt.Sprintf("%s failed (%s): %s", op, body.Code, detail)
	if body.Retryable {
		msg += " (retryable)"
	}
	return mcp.NewToolResultError(msg)
}

// sessionResult renders a session view as JSON content.
func sessionResult(sess *domain.Session, maxRounds int) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(agent.NewSessionView(sess, maxRounds))
}
