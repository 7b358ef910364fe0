package matrix

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/ashureev/catalaist/internal/domain"
)

// Input is the classification a matrix is applied to.
type Input struct {
	Category   domain.Category
	Confidence float64
	Attributes map[string]string
}

// Outcome is the result of applying a matrix.
type Outcome struct {
	Category   domain.Category         `json:"category"`
	Confidence float64                 `json:"confidence"`
	Evaluation domain.MatrixEvaluation `json:"evaluation"`
}

// Evaluator applies decision matrices to classifications.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. A nil logger uses slog.Default.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate runs the active rules of m against in, highest priority first.
// The first matching override decides the category; confidence adjustments
// accumulate; any flag_review marks the result for review.
func (e *Evaluator) Evaluate(m *Matrix, in Input) Outcome {
	out := Outcome{
		Category:   in.Category,
		Confidence: clamp(in.Confidence),
		Evaluation: domain.MatrixEvaluation{
			OriginalCategory:   in.Category,
			OriginalConfidence: in.Confidence,
		},
	}
	if m == nil {
		return out
	}
	out.Evaluation.MatrixVersion = m.Version

	facts := normalizeFacts(in.Attributes)
	facts[CategoryAttribute] = strings.ToLower(string(in.Category))

	overridden := false
	for _, rule := range m.Ordered() {
		if !matches(rule, facts) {
			continue
		}
		switch rule.Action.Type {
		case ActionOverride:
			if overridden {
				continue
			}
			cat, warning, ok := rule.Action.TargetCategory.Resolve()
			if warning != "" {
				e.warn(&out, rule, warning)
			}
			if !ok {
				continue
			}
			overridden = true
			out.Category = cat
			// Later rules see the overridden category.
			facts[CategoryAttribute] = strings.ToLower(string(cat))
		case ActionAdjustConfidence:
			out.Confidence = clamp(out.Confidence + rule.Action.ConfidenceAdjustment)
		case ActionFlagReview:
			out.Evaluation.NeedsReview = true
		default:
			e.warn(&out, rule, fmt.Sprintf("unknown action type %q", rule.Action.Type))
			continue
		}
		out.Evaluation.TriggeredRules = append(out.Evaluation.TriggeredRules, domain.TriggeredRule{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Action:    rule.Action.Type,
			Rationale: rule.Action.Rationale,
		})
	}
	out.Evaluation.Overridden = out.Category != in.Category
	return out
}

func (e *Evaluator) warn(out *Outcome, rule Rule, msg string) {
	e.logger.Warn("matrix rule sanitized",
		"rule_id", rule.ID,
		"matrix_version", out.Evaluation.MatrixVersion,
		"warning", msg,
	)
	out.Evaluation.Warnings = append(out.Evaluation.Warnings, fmt.Sprintf("rule %s: %s", rule.ID, msg))
}

func normalizeFacts(attrs map[string]string) map[string]string {
	facts := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		facts[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return facts
}

func matches(rule Rule, facts map[string]string) bool {
	for _, c := range rule.Conditions {
		if !c.Holds(facts) {
			return false
		}
	}
	return true
}

// Holds reports whether the condition is satisfied by facts. A missing
// attribute never satisfies a condition.
func (c Condition) Holds(facts map[string]string) bool {
	actual, ok := facts[strings.ToLower(strings.TrimSpace(c.Attribute))]
	if !ok || actual == "" {
		return false
	}
	switch c.Operator {
	case "==", "=", "eq":
		return equal(actual, c.Value)
	case "!=", "ne":
		return !equal(actual, c.Value)
	case ">", ">=", "<", "<=":
		return compare(c.Operator, actual, c.Value)
	case "in":
		return member(actual, c.Value)
	case "not_in":
		return !member(actual, c.Value)
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(scalar(c.Value)))
	default:
		return false
	}
}

// ValidOperator reports whether op is understood by Holds.
func ValidOperator(op string) bool {
	switch op {
	case "==", "=", "eq", "!=", "ne", ">", ">=", "<", "<=", "in", "not_in", "contains":
		return true
	}
	return false
}

func equal(actual string, want any) bool {
	a, aok := number(actual)
	w, wok := numberAny(want)
	if aok && wok {
		return a == w
	}
	return strings.EqualFold(actual, scalar(want))
}

func compare(op, actual string, want any) bool {
	a, aok := number(actual)
	w, wok := numberAny(want)
	if !aok || !wok {
		return false
	}
	switch op {
	case ">":
		return a > w
	case ">=":
		return a >= w
	case "<":
		return a < w
	default:
		return a <= w
	}
}

func member(actual string, want any) bool {
	for _, v := range list(want) {
		if equal(actual, v) {
			return true
		}
	}
	return false
}

func list(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		parts := strings.Split(t, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func number(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func numberAny(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		return number(t)
	default:
		return 0, false
	}
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
