package mcptools

import (
	"context"
	"fmt"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/mark3labs/mcp-go/mcp"
)

// MatrixEvaluator applies the active decision matrix.
type MatrixEvaluator interface {
	EvaluateMatrix(in matrix.Input) matrix.Outcome
}

// MatrixEvaluateTool handles the matrix_evaluate MCP tool.
type MatrixEvaluateTool struct {
	eval MatrixEvaluator
}

// NewMatrixEvaluateTool creates a MatrixEvaluateTool.
func NewMatrixEvaluateTool(eval MatrixEvaluator) *MatrixEvaluateTool {
	return &MatrixEvaluateTool{eval: eval}
}

// Definition returns the MCP tool definition for matrix_evaluate.
func (t *MatrixEvaluateTool) Definition() mcp.Tool {
	return mcp.NewTool("matrix_evaluate",
		mcp.WithDescription(
			"Dry-run the active decision matrix against a category, confidence and "+
				"process attributes. Nothing is stored.",
		),
		mcp.WithString("category",
			mcp.Required(),
			mcp.Description("Proposed category"),
			mcp.Enum(categoryNames()...),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Proposed confidence between 0 and 1"),
			mcp.Min(0),
			mcp.Max(1),
			mcp.DefaultNumber(0.5),
		),
		mcp.WithObject("attributes",
			mcp.Description("Process attributes such as frequency or risk, as string values"),
			mcp.AdditionalProperties(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the matrix_evaluate tool call.
func (t *MatrixEvaluateTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("category", "")
	cat, ok := domain.ParseCategory(raw)
	if !ok || cat == domain.CategoryUnassigned {
		return mcp.NewToolResultError(fmt.Sprintf("unknown category %q", raw)), nil
	}
	confidence := req.GetFloat("confidence", 0.5)
	if confidence < 0 || confidence > 1 {
		return mcp.NewToolResultError("'confidence' must be between 0 and 1"), nil
	}

	attrs := map[string]string{}
	if obj, ok := req.GetArguments()["attributes"].(map[string]any); ok {
		for k, v := range obj {
			attrs[k] = fmt.Sprint(v)
		}
	}

	out := t.eval.EvaluateMatrix(matrix.Input{Category: cat, Confidence: confidence, Attributes: attrs})
	return mcp.NewToolResultJSON(out)
}

func categoryNames() []string {
	cats := domain.Categories()
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, string(c))
	}
	return names
}
