package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/catalaist/internal/domain"
)

var (
	// ErrNoJSON is returned when an LLM response carries no JSON object.
	ErrNoJSON = errors.New("no JSON found in response")
	// ErrMalformedResponse is returned when the JSON does not describe a usable turn.
	ErrMalformedResponse = errors.New("malformed LLM response")
)

// ParseError reports an LLM response the controller could not use. The
// session is left unchanged so the turn may be retried.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse LLM response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TurnKind is what the LLM decided to do this turn.
type TurnKind string

const (
	TurnClarify  TurnKind = "clarify"
	TurnClassify TurnKind = "classify"
)

// MaxQuestionsPerTurn caps a clarification batch.
const MaxQuestionsPerTurn = 5

// Turn is a parsed LLM response.
type Turn struct {
	Kind       TurnKind
	Questions  []string
	Facts      []domain.Fact
	Attributes map[string]string
	Category   domain.Category
	Confidence float64
	Rationale  string
}

type rawTurn struct {
	Action              string         `json:"action"`
	Questions           []string       `json:"questions"`
	Question            string         `json:"question"`
	KeyFacts            factList       `json:"key_facts"`
	Attributes          map[string]any `json:"attributes"`
	Category            string         `json:"category"`
	ProvisionalCategory string         `json:"provisional_category"`
	Confidence          float64        `json:"confidence"`
	Rationale           string         `json:"rationale"`
}

// factList accepts key_facts as either [{"key":..,"value":..}] or {"key": "value"}.
type factList []domain.Fact

func (f *factList) UnmarshalJSON(data []byte) error {
	var list []struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(data, &list); err == nil {
		out := make(factList, 0, len(list))
		for _, item := range list {
			out = append(out, domain.Fact{Key: item.Key, Value: stringify(item.Value), Source: domain.FactSourceLLM})
		}
		*f = out
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("key_facts: %w", err)
	}
	out := make(factList, 0, len(obj))
	for k, v := range obj {
		out = append(out, domain.Fact{Key: k, Value: stringify(v), Source: domain.FactSourceLLM})
	}
	sortFacts(out)
	*f = out
	return nil
}

// ParseTurn extracts the turn from an LLM response. Responses often wrap the
// JSON in prose or a fenced block.
func ParseTurn(text string) (*Turn, error) {
	jsonStr := extractJSONBlock(text)
	if jsonStr == "" || !strings.HasPrefix(jsonStr, "{") {
		jsonStr = extractJSONObject(text)
	}
	if jsonStr == "" {
		return nil, &ParseError{Raw: text, Err: ErrNoJSON}
	}

	var raw rawTurn
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, &ParseError{Raw: text, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	turn := &Turn{
		Facts:      raw.KeyFacts,
		Attributes: make(map[string]string, len(raw.Attributes)),
		Confidence: raw.Confidence,
		Rationale:  strings.TrimSpace(raw.Rationale),
	}
	for k, v := range raw.Attributes {
		if s := stringify(v); s != "" {
			turn.Attributes[strings.ToLower(strings.TrimSpace(k))] = s
		}
	}

	action := strings.ToLower(strings.TrimSpace(raw.Action))
	if action == "" {
		if raw.Category != "" {
			action = string(TurnClassify)
		} else {
			action = string(TurnClarify)
		}
	}

	switch action {
	case string(TurnClassify), "classification", "final":
		cat, ok := domain.ParseCategory(raw.Category)
		if !ok {
			return nil, &ParseError{Raw: text, Err: fmt.Errorf("%w: unknown category %q", ErrMalformedResponse, raw.Category)}
		}
		turn.Kind = TurnClassify
		turn.Category = cat
	case string(TurnClarify), "clarification", "question", "questions":
		turn.Kind = TurnClarify
		questions := raw.Questions
		if raw.Question != "" {
			questions = append(questions, raw.Question)
		}
		turn.Questions = cleanQuestions(questions)
		if len(turn.Questions) == 0 {
			return nil, &ParseError{Raw: text, Err: fmt.Errorf("%w: clarify without questions", ErrMalformedResponse)}
		}
		if cat, ok := domain.ParseCategory(raw.ProvisionalCategory); ok {
			turn.Category = cat
		}
	default:
		return nil, &ParseError{Raw: text, Err: fmt.Errorf("%w: unknown action %q", ErrMalformedResponse, raw.Action)}
	}

	if turn.Confidence < 0 || turn.Confidence > 1 {
		if turn.Confidence > 1 && turn.Confidence <= 100 {
			turn.Confidence /= 100
		} else {
			turn.Confidence = 0
		}
	}
	return turn, nil
}

func cleanQuestions(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, q := range in {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := normalizeQuestion(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == MaxQuestionsPerTurn {
			break
		}
	}
	return out
}

// extractJSONBlock extracts JSON from a ```json ... ``` fenced block.
func extractJSONBlock(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return ""
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// extractJSONObject returns the first balanced JSON object in s. Braces inside
// string literals are ignored.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
