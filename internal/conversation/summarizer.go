package conversation

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/catalaist/internal/domain"
)

// SummaryConfig bounds the digest sent to the LLM.
type SummaryConfig struct {
	RecentPairs         int
	MaxFacts            int
	MaxTopics           int
	MaxAnswerChars      int
	MaxFactChars        int
	MaxDescriptionChars int
	MaxDigestChars      int
}

// DefaultSummaryConfig keeps the last three exchanges verbatim.
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{
		RecentPairs:         3,
		MaxFacts:            16,
		MaxTopics:           12,
		MaxAnswerChars:      280,
		MaxFactChars:        120,
		MaxDescriptionChars: 1200,
		MaxDigestChars:      4000,
	}
}

func (c SummaryConfig) withDefaults() SummaryConfig {
	d := DefaultSummaryConfig()
	if c.RecentPairs <= 0 {
		c.RecentPairs = d.RecentPairs
	}
	if c.MaxFacts <= 0 {
		c.MaxFacts = d.MaxFacts
	}
	if c.MaxTopics <= 0 {
		c.MaxTopics = d.MaxTopics
	}
	if c.MaxAnswerChars <= 0 {
		c.MaxAnswerChars = d.MaxAnswerChars
	}
	if c.MaxFactChars <= 0 {
		c.MaxFactChars = d.MaxFactChars
	}
	if c.MaxDescriptionChars <= 0 {
		c.MaxDescriptionChars = d.MaxDescriptionChars
	}
	if c.MaxDigestChars <= 0 {
		c.MaxDigestChars = d.MaxDigestChars
	}
	return c
}

// Digest is the bounded view of a session handed to the LLM.
type Digest struct {
	Description   string
	Facts         []domain.Fact
	AskedTopics   []string
	OmittedTopics int
	Recent        []domain.QAPair
	FoldedRounds  int
	Round         int
	Provisional   domain.Category

	maxChars int
}

// Summarizer condenses session history into a Digest.
type Summarizer struct {
	cfg SummaryConfig
}

// NewSummarizer creates a summarizer. Zero config fields take defaults.
func NewSummarizer(cfg SummaryConfig) *Summarizer {
	return &Summarizer{cfg: cfg.withDefaults()}
}

// Config returns the effective bounds.
func (s *Summarizer) Config() SummaryConfig {
	return s.cfg
}

// Summarize builds the digest for sess. The last RecentPairs exchanges are
// kept verbatim (answers truncated); older answers are folded into one-line
// facts after the facts the LLM extracted itself.
func (s *Summarizer) Summarize(sess *domain.Session) Digest {
	d := Digest{
		Description: truncate(sess.Description, s.cfg.MaxDescriptionChars),
		Round:       sess.Round,
		Provisional: sess.ProvisionalCategory,
		maxChars:    s.cfg.MaxDigestChars,
	}

	recent := sess.RecentPairs(s.cfg.RecentPairs)
	older := sess.History[:len(sess.History)-len(recent)]

	for _, p := range recent {
		p.Question = truncate(p.Question, s.cfg.MaxAnswerChars)
		p.Answer = truncate(p.Answer, s.cfg.MaxAnswerChars)
		d.Recent = append(d.Recent, p)
	}

	facts := make([]domain.Fact, 0, s.cfg.MaxFacts)
	for i := len(sess.Facts) - 1; i >= 0 && len(facts) < s.cfg.MaxFacts; i-- {
		f := sess.Facts[i]
		f.Value = truncate(f.Value, s.cfg.MaxFactChars)
		facts = append(facts, f)
	}
	// Newest folded rounds are the most relevant when the fact budget runs out.
	for i := len(older) - 1; i >= 0 && len(facts) < s.cfg.MaxFacts; i-- {
		p := older[i]
		facts = append(facts, domain.Fact{
			Key:    fmt.Sprintf("r%d %s", p.Round, truncate(topic(p.Question), 48)),
			Value:  truncate(firstSentence(p.Answer), s.cfg.MaxFactChars),
			Source: domain.FactSourceSummary,
		})
	}
	slices.Reverse(facts)
	d.Facts = facts
	if len(older) > 0 {
		d.FoldedRounds = older[len(older)-1].Round
	}

	asked := sess.AskedQuestions()
	if len(asked) > s.cfg.MaxTopics {
		d.OmittedTopics = len(asked) - s.cfg.MaxTopics
		asked = asked[len(asked)-s.cfg.MaxTopics:]
	}
	for _, q := range asked {
		d.AskedTopics = append(d.AskedTopics, truncate(topic(q), 80))
	}
	return d
}

// Render formats the digest as prompt text, never longer than the configured
// MaxDigestChars. The recent exchanges and the round count are always kept;
// facts and asked topics give up their oldest entries to make room, then the
// description is shortened. A cap too small for every recent exchange drops
// the oldest of them, never the newest.
func (d Digest) Render() string {
	limit := d.maxChars
	if limit <= 0 {
		limit = DefaultSummaryConfig().MaxDigestChars
	}

	head := d.renderHead()
	recent := d.Recent
	tail := renderRecent(recent, d.Round)
	for len(recent) > 1 && runes(head)+runes(tail) > limit && runes(tail) > limit/2 {
		recent = recent[1:]
		tail = renderRecent(recent, d.Round)
	}
	if room := limit - runes(tail); runes(head) > room {
		if room > 0 {
			head = truncate(head, room)
		} else {
			head = ""
		}
	}

	facts, topics, omitted := d.Facts, d.AskedTopics, d.OmittedTopics
	budget := limit - runes(head) - runes(tail)
	middle := renderKnown(facts, topics, omitted)
	for runes(middle) > budget && (len(facts) > 0 || len(topics) > 0) {
		if len(facts) >= len(topics) {
			facts = facts[1:]
		} else {
			topics = topics[1:]
			omitted++
		}
		middle = renderKnown(facts, topics, omitted)
	}
	if runes(middle) > budget {
		middle = ""
	}
	return truncate(head+middle+tail, limit)
}

func (d Digest) renderHead() string {
	var b strings.Builder
	b.WriteString("Process description:\n")
	b.WriteString(d.Description)
	b.WriteString("\n")
	if d.Provisional != domain.CategoryUnassigned {
		fmt.Fprintf(&b, "\nCurrent leaning: %s\n", d.Provisional)
	}
	return b.String()
}

func renderKnown(facts []domain.Fact, topics []string, omitted int) string {
	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("\nKnown facts:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}
	if len(topics) > 0 {
		b.WriteString("\nAlready asked (do not repeat):\n")
		if omitted > 0 {
			fmt.Fprintf(&b, "- (%d earlier questions)\n", omitted)
		}
		for _, t := range topics {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String()
}

func renderRecent(recent []domain.QAPair, round int) string {
	var b strings.Builder
	if len(recent) > 0 {
		b.WriteString("\nMost recent answers:\n")
		for _, p := range recent {
			fmt.Fprintf(&b, "Q%d: %s\nA: %s\n", p.Round, p.Question, p.Answer)
		}
	}
	fmt.Fprintf(&b, "\nRounds completed: %d\n", round)
	return b.String()
}

func runes(s string) int {
	return utf8.RuneCountInString(s)
}

// FullHistory renders the session as it would be sent without summarization.
func FullHistory(sess *domain.Session) string {
	var b strings.Builder
	b.WriteString("Process description:\n")
	b.WriteString(sess.Description)
	b.WriteString("\n")
	for _, f := range sess.Facts {
		fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
	}
	for _, p := range sess.History {
		fmt.Fprintf(&b, "Q%d: %s\nA: %s\n", p.Round, p.Question, p.Answer)
	}
	return b.String()
}

// EstimateTokens approximates the token count of s at four characters per
// token, rounded up.
func EstimateTokens(s string) int {
	return (runes(s) + 3) / 4
}

// FullHistoryTokens estimates the tokens of the unsummarized history.
func FullHistoryTokens(sess *domain.Session) int {
	return EstimateTokens(FullHistory(sess))
}

func topic(q string) string {
	q = clarificationTemplate.ReplaceAllString(strings.TrimSpace(q), "")
	return strings.Join(strings.Fields(q), " ")
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".!?"); i > 0 {
		return s[:i+1]
	}
	return s
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
