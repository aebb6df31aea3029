// Package core wires the reasoning pipeline's independent stages
// (preprocess, classify, duplicate lookup, decide, build parameters,
// review-or-dispatch, record feedback) into the single per-signal
// sequence described in the specification, and drives it from the
// ingress queue. The Run loop's shape — pull one item, process it,
// repeat until the context is cancelled — is grounded on the teacher's
// scheduler.Scheduler run loop (internal/scheduler/scheduler.go).
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opscore/reasoning-core/internal/classifier"
	"github.com/opscore/reasoning-core/internal/decision"
	"github.com/opscore/reasoning-core/internal/dispatch"
	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/feedback"
	"github.com/opscore/reasoning-core/internal/ingressqueue"
	"github.com/opscore/reasoning-core/internal/metrics"
	"github.com/opscore/reasoning-core/internal/params"
	"github.com/opscore/reasoning-core/internal/patterns"
	"github.com/opscore/reasoning-core/internal/preprocess"
	"github.com/opscore/reasoning-core/internal/review"
	"github.com/opscore/reasoning-core/internal/signal"
)

// Pipeline owns every stage and shared resource named in the
// specification's processing sequence, and processes one signal end to
// end in ProcessOne.
type Pipeline struct {
	logger *slog.Logger

	queue      *ingressqueue.Queue
	classifier Classifier
	patterns   *patterns.Store
	dup        *dupindex.Index
	decision   decision.Engine
	params     params.PlatformConfig
	review     *review.Queue
	dispatcher *dispatch.Dispatcher
	tracker    *feedback.Tracker
	collector  *metrics.Collector
}

// Classifier is the subset of *classifier.Classifier the pipeline calls,
// named so tests can substitute a stub without constructing a whole
// Classifier (oracle, cache, pattern store, templates).
type Classifier interface {
	Classify(ctx context.Context, s signal.Signal, norm preprocess.Normalized) (signal.Classification, error)
}

var _ Classifier = (*classifier.Classifier)(nil)

// Config bundles everything New needs. Every field is required except
// Logger, which defaults to slog.Default().
type Config struct {
	Logger     *slog.Logger
	Queue      *ingressqueue.Queue
	Classifier Classifier
	Patterns   *patterns.Store
	Dup        *dupindex.Index
	Decision   decision.Engine
	Params     params.PlatformConfig
	Review     *review.Queue
	Dispatcher *dispatch.Dispatcher
	Tracker    *feedback.Tracker
	Collector  *metrics.Collector
}

// New builds a Pipeline. The caller is responsible for starting the
// Review queue's background scanner and the metrics Collector's
// websocket loop; New only wires references, it does not start anything.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:     logger,
		queue:      cfg.Queue,
		classifier: cfg.Classifier,
		patterns:   cfg.Patterns,
		dup:        cfg.Dup,
		decision:   cfg.Decision,
		params:     cfg.Params,
		review:     cfg.Review,
		dispatcher: cfg.Dispatcher,
		tracker:    cfg.Tracker,
		collector:  cfg.Collector,
	}
}

// Enqueue admits s into the ingress queue at the given priority (1 is
// most urgent, matching signal.Signal.Priority's convention).
func (p *Pipeline) Enqueue(s signal.Signal) error {
	priority := s.Priority
	if priority == 0 {
		priority = 2
	}
	return p.queue.Enqueue(ingressqueue.Item{Value: s, Priority: priority})
}

// Run pulls signals off the ingress queue and processes them one at a
// time until ctx is cancelled. It never returns an error: per-signal
// failures are logged and recorded as feedback, not propagated, so one
// bad signal cannot halt the stream behind it.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Info("pipeline stopping", "reason", err)
			return
		}

		s, ok := item.Value.(signal.Signal)
		if !ok {
			p.logger.Error("dequeued item is not a signal.Signal", "value", item.Value)
			continue
		}

		p.ProcessOne(ctx, s)
	}
}

// ProcessOne runs the full preprocess -> classify -> duplicate-lookup ->
// decide -> build-parameters -> review-or-dispatch -> record-feedback
// sequence for one signal.
func (p *Pipeline) ProcessOne(ctx context.Context, s signal.Signal) {
	start := time.Now()

	p.collector.EnterStage(metrics.StagePreprocess)
	norm := preprocess.Process(s)
	p.collector.ExitStage(metrics.StagePreprocess)

	p.collector.EnterStage(metrics.StageClassify)
	cl, err := p.classifier.Classify(ctx, s, norm)
	p.collector.ExitStage(metrics.StageClassify)
	if err != nil {
		p.logger.Error("classification failed", "signal_id", s.ID, "error", err)
		p.collector.RecordInsight(fmt.Sprintf("signal %s failed classification: %v", s.ID, err))
		return
	}

	dup := p.dup.Lookup(s.Subject)
	snap := p.patterns.Snapshot()

	p.collector.EnterStage(metrics.StageDecide)
	dec := p.decision.Decide(s, cl, norm, dup, snap)
	p.collector.ExitStage(metrics.StageDecide)

	result, warnings := p.buildParameters(s, dec)
	dec.Parameters = result
	dec.Validation.Warnings = append(dec.Validation.Warnings, warnings...)

	processingTime := time.Since(start)

	if dec.RequiresApproval {
		item := p.review.Enqueue(dec, dec.Reasoning, 0)
		p.collector.RecordInsight(fmt.Sprintf("signal %s queued for review: %s", s.ID, item.Reason))
		p.recordFeedback(s, cl, dec, signal.Outcome(""), processingTime, true)
		return
	}

	p.dispatchAndRecord(ctx, s, cl, dec, processingTime)
}

// dispatchAndRecord dispatches an approved decision and records the
// resulting feedback, including updating the duplicate index for
// successful task creation so later lookups see it.
func (p *Pipeline) dispatchAndRecord(ctx context.Context, s signal.Signal, cl signal.Classification, dec signal.Decision, processingTime time.Duration) {
	p.collector.EnterStage(metrics.StageDispatch)
	result := p.dispatcher.Dispatch(ctx, dec)
	p.collector.ExitStage(metrics.StageDispatch)

	outcome := signal.OutcomeFailure
	if result.Success {
		outcome = signal.OutcomeSuccess
		if dec.Action == signal.ActionCreateTask {
			if title, ok := dec.Parameters["title"].(string); ok && title != "" {
				skipped, _ := result.Data["skipped"].(bool)
				if !skipped {
					p.dup.Add(dec.DecisionID, title)
				}
			}
		}
	}

	p.collector.RecordDecision(dec, outcome)
	p.recordFeedback(s, cl, dec, outcome, processingTime, false)
}

// ReviewHandler returns a review.Handler that dispatches approved
// decisions and records feedback for decisions rejected or timed out
// while awaiting approval. Wire it as the onExit callback when
// constructing the review.Queue passed into Config.
func (p *Pipeline) ReviewHandler() review.Handler {
	return func(item signal.ReviewItem) {
		ctx := context.Background()
		switch item.Status {
		case signal.ReviewApproved:
			p.dispatchAndRecord(ctx, signal.Signal{ID: item.SignalID}, signal.Classification{}, item.Decision, 0)
		case signal.ReviewRejected, signal.ReviewTimedOut:
			outcome := signal.OutcomeRejected
			p.collector.RecordDecision(item.Decision, outcome)
			p.recordFeedback(signal.Signal{ID: item.SignalID}, signal.Classification{}, item.Decision, outcome, 0, false)
		}
	}
}

func (p *Pipeline) buildParameters(s signal.Signal, dec signal.Decision) (map[string]any, []string) {
	var result params.Result
	var err error

	switch dec.TargetPlatform {
	case signal.PlatformTaskTracker:
		result, err = params.BuildTask(s, dec, p.params)
	case signal.PlatformChat:
		result, err = params.BuildNotification(s, dec, p.params)
	case signal.PlatformFilesystem:
		result, err = params.BuildDocument(s, dec, p.params)
	case signal.PlatformSpreadsheet:
		result, err = params.BuildCard(s, dec, p.params)
	default:
		return dec.Parameters, nil
	}

	if err != nil {
		p.logger.Warn("parameter build failed, falling back to decision parameters",
			"signal_id", s.ID, "platform", dec.TargetPlatform, "error", err)
		return dec.Parameters, []string{err.Error()}
	}
	return result.Payload, result.Warnings
}

func (p *Pipeline) recordFeedback(s signal.Signal, cl signal.Classification, dec signal.Decision, outcome signal.Outcome, processingTime time.Duration, pendingReview bool) {
	if p.tracker == nil {
		return
	}
	rec := signal.FeedbackRecord{
		FeedbackID:      fmt.Sprintf("feedback-%s-%d", dec.DecisionID, time.Now().UnixNano()),
		Fingerprint:     signal.Fingerprint(s),
		Classification:  cl,
		Decision:        dec,
		Outcome:         outcome,
		Timestamp:       time.Now(),
		ProcessingTime:  processingTime,
		ConfidenceScore: cl.Confidence,
		Sender:          s.Sender,
	}
	if pendingReview {
		return
	}
	if err := p.tracker.Record(rec); err != nil {
		p.logger.Error("failed to record feedback", "signal_id", s.ID, "error", err)
	}
}
