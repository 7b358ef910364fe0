package conversation

import (
	"errors"
	"testing"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func TestParseTurn(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *Turn
		wantErr error
	}{
		{
			name: "plain classify",
			text: `{"action":"classify","category":"agentic-ai","confidence":0.8,"rationale":"multi step"}`,
			want: &Turn{Kind: TurnClassify, Category: domain.CategoryAgenticAI, Confidence: 0.8, Rationale: "multi step", Attributes: map[string]string{}},
		},
		{
			name: "prose around object with braces in strings",
			text: `Sure! {"action":"clarify","questions":["What does {ticket} contain?"]} Let me know.`,
			want: &Turn{Kind: TurnClarify, Questions: []string{"What does {ticket} contain?"}, Attributes: map[string]string{}},
		},
		{
			name: "action inferred and percent confidence",
			text: `{"category":"RPA","confidence":85}`,
			want: &Turn{Kind: TurnClassify, Category: domain.CategoryRPA, Confidence: 0.85, Attributes: map[string]string{}},
		},
		{
			name: "single question and duplicate questions",
			text: `{"action":"clarify","questions":["Who?","who"],"question":"When?","key_facts":{"b":"2","a":1}}`,
			want: &Turn{
				Kind:       TurnClarify,
				Questions:  []string{"Who?", "When?"},
				Facts:      []domain.Fact{{Key: "a", Value: "1", Source: domain.FactSourceLLM}, {Key: "b", Value: "2", Source: domain.FactSourceLLM}},
				Attributes: map[string]string{},
			},
		},
		{name: "no json", text: "The answer is RPA.", wantErr: ErrNoJSON},
		{name: "unbalanced", text: `{"action":"classify"`, wantErr: ErrNoJSON},
		{name: "bad json", text: `{"action": classify}`, wantErr: ErrMalformedResponse},
		{name: "unknown category", text: `{"action":"classify","category":"Outsource"}`, wantErr: ErrMalformedResponse},
		{name: "clarify without questions", text: `{"action":"clarify","questions":[" "]}`, wantErr: ErrMalformedResponse},
		{name: "unknown action", text: `{"action":"dance"}`, wantErr: ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTurn(tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				var perr *ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("err %T is not *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTurn: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("turn mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseTurnCapsQuestions(t *testing.T) {
	got, err := ParseTurn(`{"action":"clarify","questions":["q1","q2","q3","q4","q5","q6","q7"]}`)
	if err != nil {
		t.Fatalf("ParseTurn: %v", err)
	}
	if len(got.Questions) != MaxQuestionsPerTurn {
		t.Fatalf("questions = %d, want %d", len(got.Questions), MaxQuestionsPerTurn)
	}
}

func TestLoopDetector(t *testing.T) {
	asked := []string{"How many invoices per day?", "Clarification 1"}
	tests := []struct {
		name      string
		questions []string
		want      bool
	}{
		{"template", []string{"Clarification 2"}, true},
		{"template with punctuation", []string{"**Clarification #3:**"}, true},
		{"template question form", []string{"clarification question 4 -"}, true},
		{"numbered but new content", []string{"Clarification 2: Which ERP do you use?"}, false},
		{"reworded repeat", []string{"how many invoices, per day"}, true},
		{"repeat behind template prefix", []string{"Clarification 5: How many invoices per day?"}, true},
		{"mixed repeat and new", []string{"How many invoices per day?", "Who approves them?"}, false},
		{"new question", []string{"Who approves payments?"}, false},
		{"empty batch", nil, true},
	}
	var d LoopDetector
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Inspect(tt.questions, asked); got.Degenerate != tt.want {
				t.Fatalf("Inspect(%q) = %+v, want degenerate=%v", tt.questions, got, tt.want)
			}
		})
	}
}
