package conversation

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/ashureev/catalaist/internal/domain"
)

// DefaultLoopThreshold is the number of consecutive degenerate turns that
// stops the interview.
const DefaultLoopThreshold = 3

// clarificationTemplate matches placeholder questions such as
// "Clarification 2", "Clarification #3:" or "clarification question 4 -".
var clarificationTemplate = regexp.MustCompile(`(?i)^\W*clarification(?:\s+question)?\s*#?\s*\d+\s*[:.)\-]*\s*`)

// LoopVerdict is the loop detector's judgement on one clarify turn.
type LoopVerdict struct {
	Degenerate bool
	Reason     string
}

// LoopDetector recognizes clarify turns that carry no new information.
type LoopDetector struct{}

// Inspect judges a batch of questions against the questions already asked.
// A batch is degenerate when every question is a numbered "Clarification N"
// placeholder with no content of its own, or repeats an earlier question.
func (LoopDetector) Inspect(questions, asked []string) LoopVerdict {
	if len(questions) == 0 {
		return LoopVerdict{Degenerate: true, Reason: "no questions"}
	}
	previous := make(map[string]bool, len(asked))
	for _, q := range asked {
		if k := normalizeQuestion(q); k != "" {
			previous[k] = true
		}
	}

	templated, repeated := 0, 0
	for _, q := range questions {
		body := normalizeQuestion(q)
		switch {
		case body == "":
			templated++
		case previous[body]:
			repeated++
		default:
			return LoopVerdict{}
		}
	}
	switch {
	case templated == len(questions):
		return LoopVerdict{Degenerate: true, Reason: "clarification template"}
	case repeated == len(questions):
		return LoopVerdict{Degenerate: true, Reason: "repeated questions"}
	default:
		return LoopVerdict{Degenerate: true, Reason: "template or repeated questions"}
	}
}

// normalizeQuestion strips a "Clarification N" prefix, punctuation and case
// so that trivially reworded repeats compare equal.
func normalizeQuestion(q string) string {
	q = clarificationTemplate.ReplaceAllString(strings.TrimSpace(q), "")
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func sortFacts(facts []domain.Fact) {
	slices.SortFunc(facts, func(a, b domain.Fact) int {
		return strings.Compare(a.Key, b.Key)
	})
}
