package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opscore/reasoning-core/internal/patterns"
	"github.com/opscore/reasoning-core/internal/preprocess"
	"github.com/opscore/reasoning-core/internal/signal"
)

// fallbackClassification is returned when the oracle's response cannot be
// parsed even after the stricter retry. It must never cause the pipeline
// to fail.
var fallbackClassification = signal.Classification{
	Urgency:    signal.UrgencyMedium,
	Importance: signal.ImportanceMedium,
	Category:   signal.CategoryInformation,
	Confidence: 0.30,
	Reasoning:  "parse_failure",
}

// TemplateSource supplies the classifier with the currently active prompt
// template. The feedback/prompt-optimizer subsystem (§4.K) owns mutation;
// the classifier only ever reads.
type TemplateSource interface {
	Active() signal.PromptTemplate
}

// StaticTemplate is a TemplateSource that never changes, useful for tests
// and simple deployments that do not run the optimizer.
type StaticTemplate struct {
	Template signal.PromptTemplate
}

func (s StaticTemplate) Active() signal.PromptTemplate { return s.Template }

// Classifier produces a Classification for a Signal, consulting a cache,
// the pattern store, and an Oracle. At most one oracle call is in flight
// per fingerprint at a time; concurrent callers for the same fingerprint
// share the result (singleflight).
type Classifier struct {
	oracle    Oracle
	cache     *Cache
	patterns  *patterns.Store
	templates TemplateSource
	logger    *slog.Logger
	model     string
	timeout   time.Duration

	mu     sync.Mutex
	flight map[string]*call
}

type call struct {
	done   chan struct{}
	result signal.Classification
	err    error
}

// New creates a Classifier.
func New(oracle Oracle, cache *Cache, patternStore *patterns.Store, templates TemplateSource, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if templates == nil {
		templates = StaticTemplate{Template: signal.PromptTemplate{ID: "default", Version: 1, MaxExamples: 10}}
	}
	return &Classifier{
		oracle:    oracle,
		cache:     cache,
		patterns:  patternStore,
		templates: templates,
		logger:    logger,
		model:     "oracle-default",
		timeout:   30 * time.Second,
	}
}

// Classify returns the Classification for s, consulting the cache first.
// Cache writes are externally consistent: once Classify returns for a
// fingerprint, any subsequent Classify for the same fingerprint within the
// TTL yields an identical Classification (served from cache).
func (c *Classifier) Classify(ctx context.Context, s signal.Signal, norm preprocess.Normalized) (signal.Classification, error) {
	fp := norm.Fingerprint
	if cached, ok := c.cache.Get(fp); ok {
		return cached, nil
	}

	cl := c.joinOrStartFlight(fp)
	if cl.isLeader {
		result, err := c.classifyUncached(ctx, s, norm)
		cl.finish(result, err)
	}

	select {
	case <-cl.done:
		return cl.result, cl.err
	case <-ctx.Done():
		return signal.Classification{}, ctx.Err()
	}
}

type flightHandle struct {
	*call
	isLeader bool
}

// joinOrStartFlight returns the in-flight call for fingerprint, creating
// one (and marking the caller as leader, responsible for doing the work)
// if none exists yet.
func (c *Classifier) joinOrStartFlight(fingerprint string) flightHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flight == nil {
		c.flight = make(map[string]*call)
	}
	if existing, ok := c.flight[fingerprint]; ok {
		return flightHandle{call: existing, isLeader: false}
	}

	ca := &call{done: make(chan struct{})}
	c.flight[fingerprint] = ca
	return flightHandle{call: ca, isLeader: true}
}

func (ca *call) finish(result signal.Classification, err error) {
	ca.result = result
	ca.err = err
	close(ca.done)
}

func (c *Classifier) classifyUncached(ctx context.Context, s signal.Signal, norm preprocess.Normalized) (signal.Classification, error) {
	defer func() {
		c.mu.Lock()
		delete(c.flight, norm.Fingerprint)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.invokeOracle(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled or timed out invoking the oracle: contribute no
			// feedback record and propagate the cancellation upward.
			return signal.Classification{}, err
		}
		c.logger.Warn("oracle invocation failed, using fallback classification", "signal_id", s.ID, "error", err)
		result = fallbackClassification
	}

	result = c.applyPatterns(s, norm, result)
	c.cache.Put(norm.Fingerprint, result)
	return result, nil
}

// invokeOracle calls the oracle, parses its JSON response, and on parse
// failure retries once with a stricter instruction before giving up to the
// caller (who falls back to fallbackClassification).
func (c *Classifier) invokeOracle(ctx context.Context, s signal.Signal) (signal.Classification, error) {
	template := c.templates.Active()
	messages := buildMessages(template, s)

	resp, err := c.oracle.Chat(ctx, messages, Options{Model: c.model, JSONMode: true, MaxTokens: 512})
	if err != nil {
		return signal.Classification{}, fmt.Errorf("oracle chat: %w", err)
	}

	cl, parseErr := parseClassification(resp.Content)
	if parseErr == nil {
		return cl, nil
	}

	c.logger.Debug("classification parse failed, retrying with stricter instruction", "signal_id", s.ID, "error", parseErr)

	strictMessages := append(append([]Message(nil), messages...), Message{
		Role:    RoleUser,
		Content: "Your previous response was not valid JSON. Respond with ONLY a single JSON object matching the schema, no prose.",
	})
	resp2, err2 := c.oracle.Chat(ctx, strictMessages, Options{Model: c.model, JSONMode: true, MaxTokens: 512})
	if err2 != nil {
		return signal.Classification{}, fmt.Errorf("oracle chat (retry): %w", err2)
	}

	cl2, parseErr2 := parseClassification(resp2.Content)
	if parseErr2 != nil {
		return signal.Classification{}, fmt.Errorf("unparseable oracle response after retry: %w", parseErr2)
	}
	return cl2, nil
}

func buildMessages(template signal.PromptTemplate, s signal.Signal) []Message {
	var sb strings.Builder
	sb.WriteString(template.SystemPrompt)
	if sb.Len() == 0 {
		sb.WriteString("Classify the following signal into urgency/importance/category/confidence/reasoning as JSON.")
	}
	for _, ex := range template.Examples {
		fmt.Fprintf(&sb, "\nExample: %s -> %s/%s/%s", ex.SignalSummary, ex.Classification.Urgency, ex.Classification.Importance, ex.Classification.Category)
	}

	userContent := fmt.Sprintf("Source: %s\nSender: %s\nSubject: %s\nBody: %s", s.Source, s.Sender, s.Subject, s.Body)
	return []Message{
		{Role: RoleSystem, Content: sb.String()},
		{Role: RoleUser, Content: userContent},
	}
}

type wireClassification struct {
	Urgency           string   `json:"urgency"`
	Importance        string   `json:"importance"`
	Category          string   `json:"category"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	SuggestedActions  []string `json:"suggestedActions"`
	RequiresImmediate bool     `json:"requiresImmediate"`
}

func parseClassification(content string) (signal.Classification, error) {
	content = strings.TrimSpace(content)
	// Tolerate a model that wraps JSON in a fenced code block despite
	// JSON-mode being requested.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var wire wireClassification
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return signal.Classification{}, err
	}

	cl := signal.Classification{
		Urgency:           signal.Urgency(wire.Urgency),
		Importance:        signal.Importance(wire.Importance),
		Category:          signal.Category(wire.Category),
		Confidence:        wire.Confidence,
		Reasoning:         wire.Reasoning,
		SuggestedActions:  wire.SuggestedActions,
		RequiresImmediate: wire.RequiresImmediate,
	}
	if !validClassification(cl) {
		return signal.Classification{}, fmt.Errorf("classification failed schema validation: %+v", wire)
	}
	return cl, nil
}

func validClassification(cl signal.Classification) bool {
	switch cl.Urgency {
	case signal.UrgencyCritical, signal.UrgencyHigh, signal.UrgencyMedium, signal.UrgencyLow:
	default:
		return false
	}
	switch cl.Importance {
	case signal.ImportanceHigh, signal.ImportanceMedium, signal.ImportanceLow:
	default:
		return false
	}
	switch cl.Category {
	case signal.CategoryIncident, signal.CategoryRequest, signal.CategoryIssue, signal.CategoryQuestion,
		signal.CategoryInformation, signal.CategoryDiscussion, signal.CategorySpam:
	default:
		return false
	}
	if cl.Confidence < 0 || cl.Confidence > 1 {
		return false
	}
	return true
}

// applyPatterns applies bounded sender/keyword adjustments from the pattern
// store, per §4.D: urgency may rise by at most one step, confidence by at
// most +0.1, and category may be overridden to the sender's dominant
// category.
func (c *Classifier) applyPatterns(s signal.Signal, norm preprocess.Normalized, cl signal.Classification) signal.Classification {
	if c.patterns == nil {
		return cl
	}
	snap := c.patterns.Snapshot()
	adj := patterns.Adjust(snap, s.Sender, norm.Keywords)

	out := cl
	if adj.UrgencyStepUp > 0 {
		out.Urgency = signal.UrgencyFromRank(cl.Urgency.Rank() - adj.UrgencyStepUp)
	}
	out.Confidence = clamp01(cl.Confidence + adj.ConfidenceBoost)
	if adj.HasCategoryOverride && adj.CategoryOverride != "" {
		out.Category = adj.CategoryOverride
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
