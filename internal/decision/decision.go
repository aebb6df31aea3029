// Package decision implements the pure rule cascade that turns a
// Classification into a Decision: ten ordered rules, the first match
// wins, and the winning rule's identifier is recorded in the Decision's
// Validation.RulesApplied. It takes no dependencies beyond the patterns
// and dupindex snapshots handed to it and performs no I/O, mirroring the
// teacher's router.Router.selectModel cascade (internal/router/router.go)
// which evaluates ordered rules against an audit trail rather than a
// single opaque scoring function.
package decision

import (
	"strconv"
	"strings"
	"time"

	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/patterns"
	"github.com/opscore/reasoning-core/internal/preprocess"
	"github.com/opscore/reasoning-core/internal/signal"
)

// Config holds the tunables named in the rule descriptions.
type Config struct {
	ConfidenceThreshold float64       // rule 7, default 0.6
	CriticalSLA         time.Duration // rule 4 due-date window, default 1h
	MeetingPriority     int           // rule 5, default 3
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		CriticalSLA:         time.Hour,
		MeetingPriority:     3,
	}
}

var autoReplyTerms = []string{"out of office", "automatic reply", "auto-reply", "do not reply"}
var meetingTerms = []string{"meeting", "schedule a call", "calendar invite", "let's meet", "set up a call"}
var documentTerms = []string{"invoice", "report", "contract", "attached", "document"}
var financialTerms = []string{"invoice", "payment", "wire transfer", "budget"}
var highImpactTerms = []string{"budget", "contract", "legal", "lawsuit", "compliance"}

// Engine evaluates the rule cascade. It is stateless; the same Engine
// value can be shared across goroutines.
type Engine struct {
	cfg Config
}

// New creates an Engine with cfg. A zero Config is replaced with
// DefaultConfig's values field-by-field where the zero value would be
// inert (ConfidenceThreshold, CriticalSLA, MeetingPriority).
func New(cfg Config) Engine {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	if cfg.CriticalSLA == 0 {
		cfg.CriticalSLA = DefaultConfig().CriticalSLA
	}
	if cfg.MeetingPriority == 0 {
		cfg.MeetingPriority = DefaultConfig().MeetingPriority
	}
	return Engine{cfg: cfg}
}

// Decide runs the ordered rule cascade for one (signal, classification)
// pair. dup is the duplicate-index lookup already performed by the
// caller for the signal's intended task title; snap is the current
// pattern-store snapshot, which Decide accepts but does not read, since
// bounded adjustments already happened in the classifier.
func (e Engine) Decide(s signal.Signal, cl signal.Classification, norm preprocess.Normalized, dup dupindex.Match, snap patterns.Snapshot) signal.Decision {
	d := signal.Decision{
		SignalID:   s.ID,
		Confidence: cl.Confidence,
	}

	switch {
	case dup.Found:
		e.ruleDuplicate(&d, dup)
	case cl.Category == signal.CategorySpam:
		e.ruleSpam(&d)
	case containsAny(norm.LowerSubject+" "+norm.LowerBody, autoReplyTerms):
		e.ruleAutoReply(&d)
	case cl.Urgency == signal.UrgencyCritical && cl.Importance == signal.ImportanceHigh && cl.Category == signal.CategoryIncident:
		e.ruleCriticalIncident(&d, s)
	case isMeeting(cl, norm):
		e.ruleMeeting(&d, s)
	case isDocument(s, norm):
		e.ruleDocument(&d, s, norm)
	case cl.Confidence < e.cfg.ConfidenceThreshold:
		e.ruleLowConfidence(&d)
	case containsAny(norm.LowerBody, highImpactTerms) && cl.Importance == signal.ImportanceHigh:
		e.ruleHighImpact(&d)
	case isFYI(cl):
		e.ruleFYI(&d)
	default:
		e.ruleDefault(&d, cl)
	}

	return d
}

func (e Engine) ruleDuplicate(d *signal.Decision, dup dupindex.Match) {
	d.Action = signal.ActionIgnore
	d.TargetPlatform = signal.PlatformNone
	d.Priority = 4
	d.Reasoning = "duplicate_detected: matches " + dup.Reference
	d.Parameters = map[string]any{
		"matched_reference": dup.Reference,
		"similarity":         dup.Similarity,
	}
	d.Validation = signal.Validation{RulesApplied: []string{"duplicate_suppression"}}
}

func (e Engine) ruleSpam(d *signal.Decision) {
	d.Action = signal.ActionIgnore
	d.TargetPlatform = signal.PlatformNone
	d.Priority = 4
	d.Reasoning = "classified as spam"
	d.Validation = signal.Validation{RulesApplied: []string{"spam"}}
}

func (e Engine) ruleAutoReply(d *signal.Decision) {
	d.Action = signal.ActionIgnore
	d.TargetPlatform = signal.PlatformNone
	d.Priority = 4
	d.Reasoning = "matched auto-reply pattern"
	d.Validation = signal.Validation{RulesApplied: []string{"auto_reply"}}
}

func (e Engine) ruleCriticalIncident(d *signal.Decision, s signal.Signal) {
	due := s.Timestamp.Add(e.cfg.CriticalSLA)
	d.Action = signal.ActionCreateTask
	d.TargetPlatform = signal.PlatformTaskTracker
	d.Priority = 1
	d.RequiresApproval = false
	d.Reasoning = "critical incident requires immediate task creation"
	d.Parameters = map[string]any{
		"due_date": due,
		"type":     "incident",
	}
	d.Validation = signal.Validation{RulesApplied: []string{"critical_incident"}}
}

func (e Engine) ruleMeeting(d *signal.Decision, s signal.Signal) {
	d.Action = signal.ActionCreateTask
	d.TargetPlatform = signal.PlatformTaskTracker
	d.Priority = e.cfg.MeetingPriority
	d.Reasoning = "meeting request detected"
	d.Parameters = map[string]any{"type": "meeting"}
	d.Validation = signal.Validation{RulesApplied: []string{"meeting"}}
}

func (e Engine) ruleDocument(d *signal.Decision, s signal.Signal, norm preprocess.Normalized) {
	d.Action = signal.ActionUpdateDocument
	d.TargetPlatform = signal.PlatformFilesystem
	d.Priority = 3
	d.Reasoning = "document categorization matched"
	if containsAny(norm.LowerBody, financialTerms) {
		d.RequiresApproval = true
		d.Reasoning += "; financial document requires approval"
	}
	d.Validation = signal.Validation{RulesApplied: []string{"document_categorization"}}
}

func (e Engine) ruleLowConfidence(d *signal.Decision) {
	d.Action = signal.ActionClarify
	d.TargetPlatform = signal.PlatformNone
	d.Priority = 3
	d.RequiresApproval = true
	d.Reasoning = "classification confidence below threshold"
	d.Validation = signal.Validation{RulesApplied: []string{"low_confidence"}, Warnings: []string{"confidence_below_threshold"}}
}

func (e Engine) ruleHighImpact(d *signal.Decision) {
	d.Action = signal.ActionEscalate
	d.TargetPlatform = signal.PlatformNone
	d.Priority = 1
	d.RequiresApproval = true
	d.Reasoning = "high-impact terms with high importance require escalation"
	d.Validation = signal.Validation{RulesApplied: []string{"high_impact_terms"}}
}

func (e Engine) ruleFYI(d *signal.Decision) {
	d.Action = signal.ActionSendNotification
	d.TargetPlatform = signal.PlatformChat
	d.Priority = 4
	d.Reasoning = "low-priority informational signal"
	d.Validation = signal.Validation{RulesApplied: []string{"fyi"}}
}

func (e Engine) ruleDefault(d *signal.Decision, cl signal.Classification) {
	d.Action = signal.ActionCreateTask
	d.TargetPlatform = signal.PlatformTaskTracker
	d.Priority = priorityFromClassification(cl)
	d.RequiresApproval = false
	d.Reasoning = "default task creation, priority " + strconv.Itoa(d.Priority) + " from urgency " + string(cl.Urgency)
	d.Validation = signal.Validation{RulesApplied: []string{"default"}}
}

// priorityFromClassification maps urgency to a 1..4 priority, with
// importance=high lowering the numeric priority by one step, bounded at 1.
func priorityFromClassification(cl signal.Classification) int {
	p := cl.Urgency.Rank()
	if cl.Importance == signal.ImportanceHigh {
		p--
	}
	if p < 1 {
		p = 1
	}
	return p
}

func isMeeting(cl signal.Classification, norm preprocess.Normalized) bool {
	if cl.Category == signal.CategoryRequest && containsAny(norm.LowerSubject, meetingTerms) {
		return true
	}
	return containsAny(norm.LowerSubject+" "+norm.LowerBody, meetingTerms)
}

// isDocument implements rule 6 (§4.F): attachments plus a category hint,
// not either alone — a plain-text signal that merely mentions "report"
// or "attached" with nothing actually attached is not a document update.
func isDocument(s signal.Signal, norm preprocess.Normalized) bool {
	if len(s.Attachments) == 0 {
		return false
	}
	return containsAny(norm.LowerSubject+" "+norm.LowerBody, documentTerms)
}

func isFYI(cl signal.Classification) bool {
	return cl.Category == signal.CategoryInformation && cl.Urgency == signal.UrgencyLow
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
