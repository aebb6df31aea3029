package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StubOracle is a deterministic, keyword-driven stand-in for a real model.
// It never makes a network call; it exists so the pipeline, the demo
// binary, and tests can exercise classification without a live oracle,
// honoring the specification's framing of the classifier as a pluggable
// black box (§1 Non-goals: "the classifier itself").
type StubOracle struct {
	// Latency simulates oracle round-trip time for tests that assert on
	// Response.Latency; zero means "return immediately."
	Latency time.Duration
}

var criticalTerms = []string{"down", "outage", "urgent", "critical", "production"}
var spamTerms = []string{"unsubscribe", "limited time offer", "act now", "winner"}
var autoReplyTerms = []string{"out of office", "automatic reply", "auto-reply"}
var meetingTerms = []string{"meeting", "schedule a call", "calendar invite"}
var documentTerms = []string{"invoice", "contract", "report", "attached"}

// Chat inspects the user message for keyword signals and returns a JSON
// Classification payload, mimicking what a real model in JSON mode would
// produce. It always succeeds — StubOracle never triggers the classifier's
// parse-failure fallback path in isolation (tests for that path use a
// dedicated oracle below).
func (s StubOracle) Chat(ctx context.Context, messages []Message, opts Options) (Response, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(s.Latency):
		}
	}

	text := strings.ToLower(lastUserContent(messages))

	urgency, importance, category, confidence, reasoning := classifyHeuristically(text)

	content := fmt.Sprintf(
		`{"urgency":%q,"importance":%q,"category":%q,"confidence":%v,"reasoning":%q,"requiresImmediate":%v,"suggestedActions":[]}`,
		urgency, importance, category, confidence, reasoning, urgency == "critical",
	)

	return Response{
		Content:      content,
		Usage:        Usage{InputTokens: CharDiv4Estimator{}.Estimate(text), OutputTokens: CharDiv4Estimator{}.Estimate(content)},
		FinishReason: "stop",
		Latency:      s.Latency,
	}, nil
}

func classifyHeuristically(text string) (urgency, importance, category string, confidence float64, reasoning string) {
	body := text
	if _, b, ok := strings.Cut(text, "\nbody:"); ok {
		body = b
	}
	switch {
	case containsAny(text, spamTerms):
		return "low", "low", "spam", 0.93, "matched spam markers"
	case containsAny(text, autoReplyTerms):
		return "low", "low", "information", 0.9, "matched auto-reply markers"
	case containsAny(text, criticalTerms):
		return "critical", "high", "incident", 0.95, "matched critical incident keywords"
	case containsAny(text, meetingTerms):
		return "medium", "medium", "request", 0.8, "matched meeting-scheduling language"
	case containsAny(text, documentTerms):
		return "medium", "medium", "request", 0.75, "matched document-categorization keywords"
	case strings.TrimSpace(body) == "":
		return "low", "low", "information", 0.35, "empty signal body"
	default:
		return "medium", "medium", "question", 0.65, "no strong keyword signal"
	}
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// BrokenOracle always returns unparseable content, used by tests to exercise
// the classifier's retry-then-fallback path.
type BrokenOracle struct{}

func (BrokenOracle) Chat(ctx context.Context, messages []Message, opts Options) (Response, error) {
	return Response{Content: "not json at all", FinishReason: "stop"}, nil
}
