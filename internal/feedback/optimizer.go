package feedback

import (
	"sort"
	"sync"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

// OptimizerConfig configures prompt-template evolution (§4.K).
type OptimizerConfig struct {
	MaxExamples           int     // PROMPT_MAX_EXAMPLES, default 10
	EvaluationsPerVariant int     // N evaluations per A/B variant before a winner is picked
	DegradationRollbackPP float64 // AB_DEGRADATION_ROLLBACK_PP, default 10 (percentage points, i.e. 0.10)
	LowConfidenceCeiling  float64 // default 0.6
	HighConfidenceFloor   float64 // default 0.8
}

// DefaultOptimizerConfig matches the documented defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxExamples:           10,
		EvaluationsPerVariant: 50,
		DegradationRollbackPP: 0.10,
		LowConfidenceCeiling:  0.6,
		HighConfidenceFloor:   0.8,
	}
}

// abCounter tracks a single variant's running A/B evaluation stats.
type abCounter struct {
	evaluations int
	successes   int
}

func (c *abCounter) successRate() float64 {
	if c.evaluations == 0 {
		return 0
	}
	return float64(c.successes) / float64(c.evaluations)
}

// Optimizer owns the active PromptTemplate plus any candidate currently
// under A/B evaluation. It satisfies classifier.TemplateSource via
// Active() without importing the classifier package, avoiding a cycle
// between the two (classifier reads templates; this package evolves
// them).
type Optimizer struct {
	cfg OptimizerConfig

	mu             sync.Mutex
	active         signal.PromptTemplate
	activeBaseline float64
	candidate      *signal.PromptTemplate
	abStats        map[int]*abCounter
	archived       []signal.PromptTemplate
	callCount      int64
}

// NewOptimizer seeds the optimizer with the given starting template.
func NewOptimizer(cfg OptimizerConfig, seed signal.PromptTemplate) *Optimizer {
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = DefaultOptimizerConfig().MaxExamples
	}
	if cfg.EvaluationsPerVariant <= 0 {
		cfg.EvaluationsPerVariant = DefaultOptimizerConfig().EvaluationsPerVariant
	}
	if cfg.DegradationRollbackPP <= 0 {
		cfg.DegradationRollbackPP = DefaultOptimizerConfig().DegradationRollbackPP
	}
	if cfg.LowConfidenceCeiling <= 0 {
		cfg.LowConfidenceCeiling = DefaultOptimizerConfig().LowConfidenceCeiling
	}
	if cfg.HighConfidenceFloor <= 0 {
		cfg.HighConfidenceFloor = DefaultOptimizerConfig().HighConfidenceFloor
	}
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = time.Now()
	}
	return &Optimizer{
		cfg:     cfg,
		active:  seed,
		abStats: make(map[int]*abCounter),
	}
}

// Active returns the template currently in use for oracle calls. While
// an A/B evaluation is in progress, successive calls alternate between
// the active and candidate templates.
func (o *Optimizer) Active() signal.PromptTemplate {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.candidate == nil {
		return o.active
	}

	o.callCount++
	if o.callCount%2 == 0 {
		return *o.candidate
	}
	return o.active
}

// DeriveCandidate builds a new candidate template from the current
// active one plus the feedback corpus: it adds up to MaxExamples worth
// of successful low-confidence examples (cases the oracle currently
// finds hard) and removes examples whose pattern matches a failed
// high-confidence record (cases that mislead the oracle), capping the
// total and bumping the version. It does not activate the candidate;
// call StartEvaluation to begin an A/B pass.
func (o *Optimizer) DeriveCandidate(records []signal.FeedbackRecord) signal.PromptTemplate {
	o.mu.Lock()
	base := o.active
	o.mu.Unlock()

	kept := make([]signal.PromptExample, 0, len(base.Examples))
	for _, ex := range base.Examples {
		if misledByFailure(ex, records, o.cfg.HighConfidenceFloor) {
			continue
		}
		kept = append(kept, ex)
	}

	candidates := lowConfidenceSuccesses(records, o.cfg.LowConfidenceCeiling)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.After(candidates[j].Timestamp) })

	for _, r := range candidates {
		if len(kept) >= o.cfg.MaxExamples {
			break
		}
		kept = append(kept, signal.PromptExample{
			SignalSummary:  r.Classification.Reasoning,
			Classification: r.Classification,
			TimesUsed:      1,
			SuccessCount:   1,
		})
	}

	if len(kept) > o.cfg.MaxExamples {
		kept = kept[:o.cfg.MaxExamples]
	}

	candidate := signal.PromptTemplate{
		ID:           base.ID,
		Version:      base.Version + 1,
		SystemPrompt: base.SystemPrompt,
		Examples:     kept,
		MaxExamples:  o.cfg.MaxExamples,
		CreatedAt:    time.Now(),
	}
	return candidate
}

// StartEvaluation begins an A/B pass between the current active
// template and candidate.
func (o *Optimizer) StartEvaluation(candidate signal.PromptTemplate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.candidate = &candidate
	o.activeBaseline = o.statsFor(o.active.Version).successRate()
	o.abStats[o.active.Version] = &abCounter{}
	o.abStats[candidate.Version] = &abCounter{}
}

// RecordEvaluation reports one outcome for whichever template version
// produced it. Once both variants have accumulated
// EvaluationsPerVariant observations, the higher-success-rate variant
// becomes active and the other is archived. If activating a candidate
// causes success rate to regress by more than DegradationRollbackPP
// versus the prior active template's baseline, the prior template is
// reactivated and the candidate archived instead.
func (o *Optimizer) RecordEvaluation(templateVersion int, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active.Version != templateVersion && (o.candidate == nil || o.candidate.Version != templateVersion) {
		return
	}

	c := o.statsFor(templateVersion)
	c.evaluations++
	if success {
		c.successes++
	}

	if o.candidate == nil {
		return
	}

	activeStats := o.statsFor(o.active.Version)
	candidateStats := o.statsFor(o.candidate.Version)
	if activeStats.evaluations < o.cfg.EvaluationsPerVariant || candidateStats.evaluations < o.cfg.EvaluationsPerVariant {
		return
	}

	o.concludeEvaluationLocked(activeStats, candidateStats)
}

func (o *Optimizer) concludeEvaluationLocked(activeStats, candidateStats *abCounter) {
	candidate := *o.candidate
	if candidateStats.successRate() <= activeStats.successRate() {
		o.archived = append(o.archived, candidate)
		o.candidate = nil
		return
	}

	// Candidate won its A/B pass; check for regression against the
	// template it is replacing before committing.
	if o.activeBaseline-candidateStats.successRate() > o.cfg.DegradationRollbackPP {
		o.archived = append(o.archived, candidate)
		o.candidate = nil
		return
	}

	o.archived = append(o.archived, o.active)
	o.active = candidate
	o.candidate = nil
}

func (o *Optimizer) statsFor(version int) *abCounter {
	c, ok := o.abStats[version]
	if !ok {
		c = &abCounter{}
		o.abStats[version] = c
	}
	return c
}

func misledByFailure(ex signal.PromptExample, records []signal.FeedbackRecord, highConfidenceFloor float64) bool {
	for _, r := range records {
		if r.Outcome != signal.OutcomeFailure || r.ConfidenceScore < highConfidenceFloor {
			continue
		}
		if r.Classification.Category == ex.Classification.Category && r.Classification.Urgency == ex.Classification.Urgency {
			return true
		}
	}
	return false
}

func lowConfidenceSuccesses(records []signal.FeedbackRecord, lowConfidenceCeiling float64) []signal.FeedbackRecord {
	var out []signal.FeedbackRecord
	for _, r := range records {
		if r.Outcome == signal.OutcomeSuccess && r.ConfidenceScore < lowConfidenceCeiling {
			out = append(out, r)
		}
	}
	return out
}
