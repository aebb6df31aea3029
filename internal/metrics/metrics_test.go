package metrics

import (
	"testing"
	"time"

	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/ingressqueue"
	"github.com/opscore/reasoning-core/internal/review"
	"github.com/opscore/reasoning-core/internal/signal"
)

func TestSnapshotReflectsRegisteredSubsystems(t *testing.T) {
	q := ingressqueue.New(10, 100, time.Second)
	q.Enqueue(ingressqueue.Item{Signal: signal.Signal{SignalID: "s1"}, Priority: 1})

	dup := dupindex.New(10, 0)
	dup.Add("task-1", "renew support contract")

	reviews := review.New(nil, review.TimeoutReject, time.Hour, nil)
	reviews.Enqueue(signal.Decision{DecisionID: "d1"}, "low confidence", time.Hour)

	c := New(Config{Queue: q, DupIndex: dup, Reviews: reviews, CacheTTL: time.Millisecond})

	snap := c.Snapshot()
	if snap.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1, got %d", snap.QueueDepth)
	}
	if snap.DuplicatesKnown != 1 {
		t.Fatalf("expected 1 known duplicate entry, got %d", snap.DuplicatesKnown)
	}
	if len(snap.PendingReviews) != 1 {
		t.Fatalf("expected 1 pending review, got %d", len(snap.PendingReviews))
	}
}

func TestSnapshotIsCachedWithinTTL(t *testing.T) {
	c := New(Config{CacheTTL: time.Hour})

	c.RecordDecision(signal.Decision{DecisionID: "d1"}, signal.OutcomeSuccess)
	first := c.Snapshot()

	c.RecordDecision(signal.Decision{DecisionID: "d2"}, signal.OutcomeSuccess)
	second := c.Snapshot()

	if len(second.RecentDecisions) != len(first.RecentDecisions) {
		t.Fatalf("expected cached snapshot to ignore the second decision within TTL, got %d vs %d",
			len(second.RecentDecisions), len(first.RecentDecisions))
	}
}

func TestSnapshotRecomputesPastTTL(t *testing.T) {
	c := New(Config{CacheTTL: time.Millisecond})

	c.RecordDecision(signal.Decision{DecisionID: "d1"}, signal.OutcomeSuccess)
	c.Snapshot()

	time.Sleep(5 * time.Millisecond)
	c.RecordDecision(signal.Decision{DecisionID: "d2"}, signal.OutcomeFailure)
	snap := c.Snapshot()

	if len(snap.RecentDecisions) != 2 {
		t.Fatalf("expected both decisions after TTL expiry, got %d", len(snap.RecentDecisions))
	}
}

func TestEnterExitStageTracksInFlightCount(t *testing.T) {
	c := New(Config{CacheTTL: time.Nanosecond})

	c.EnterStage(StageClassify)
	c.EnterStage(StageClassify)
	snap := c.Snapshot()
	if snap.StageInFlight[StageClassify] != 2 {
		t.Fatalf("expected 2 in-flight in classify stage, got %d", snap.StageInFlight[StageClassify])
	}

	c.ExitStage(StageClassify)
	snap = c.Snapshot()
	if snap.StageInFlight[StageClassify] != 1 {
		t.Fatalf("expected 1 in-flight after exit, got %d", snap.StageInFlight[StageClassify])
	}
}

func TestRecordDecisionBoundsRecentHistory(t *testing.T) {
	c := New(Config{CacheTTL: time.Nanosecond})

	for i := 0; i < DefaultRecentDecisions+10; i++ {
		c.RecordDecision(signal.Decision{DecisionID: "d"}, signal.OutcomeSuccess)
	}

	snap := c.Snapshot()
	if len(snap.RecentDecisions) != DefaultRecentDecisions {
		t.Fatalf("expected recent decisions capped at %d, got %d", DefaultRecentDecisions, len(snap.RecentDecisions))
	}
}

func TestRecordInsightIsAccumulated(t *testing.T) {
	c := New(Config{CacheTTL: time.Nanosecond})
	c.RecordInsight("sender alice@example.com crossed minimum support threshold")

	snap := c.Snapshot()
	if len(snap.RecentInsights) != 1 {
		t.Fatalf("expected 1 recorded insight, got %d", len(snap.RecentInsights))
	}
}
