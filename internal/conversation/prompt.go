package conversation

import (
	"fmt"
	"strings"

	"github.com/ashureev/catalaist/internal/domain"
)

const systemPrompt = `You classify business processes into exactly one transformation category:
%s.

Eliminate: the process adds no value and should stop.
Simplify: the process is needed but overly complex; redesign before automating.
Digitise: paper or manual records should move to digital systems.
RPA: rule-based, repetitive work on structured data suited to a software bot.
AI Agent: work needing judgement on unstructured input with a human supervising.
Agentic AI: multi-step goal-driven work an autonomous AI system can own end to end.

Interview the user with short, specific clarification questions until you can classify.
Never repeat a question that was already asked. Never number questions as "Clarification N".
Ask at most %d questions per turn.

Reply with a single JSON object and nothing else.
To ask questions:
{"action":"clarify","questions":["..."],"key_facts":[{"key":"...","value":"..."}],"attributes":{"frequency":"daily"},"provisional_category":"RPA","confidence":0.4}
To classify:
{"action":"classify","category":"RPA","confidence":0.85,"rationale":"...","key_facts":[{"key":"...","value":"..."}],"attributes":{"frequency":"daily"}}

Attributes should use these names where known: frequency (rare|monthly|weekly|daily|hourly),
business_value, complexity, risk, data_sensitivity (low|medium|high), structured_data (true|false),
user_count (number).`

// Prompt is a system and user prompt pair.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the prompt for the next turn. When force is set the
// LLM is told to classify without asking further questions.
func BuildPrompt(d Digest, maxRounds int, force bool) Prompt {
	names := make([]string, 0, len(domain.Categories()))
	for _, c := range domain.Categories() {
		names = append(names, string(c))
	}

	var user strings.Builder
	user.WriteString(d.Render())
	user.WriteString("\n")
	switch {
	case force:
		user.WriteString("You must classify now. Do not ask more questions; respond with action \"classify\" using the information available.\n")
	case maxRounds > 0:
		fmt.Fprintf(&user, "At most %d question rounds remain. Classify as soon as you are confident.\n", max(maxRounds-d.Round, 0))
	}

	return Prompt{
		System: fmt.Sprintf(systemPrompt, strings.Join(names, ", "), MaxQuestionsPerTurn),
		User:   user.String(),
	}
}
