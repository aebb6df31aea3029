package review

import (
	"context"
	"testing"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

func TestEnqueueAndListOrderedByQueuedAt(t *testing.T) {
	q := New(nil, TimeoutReject, time.Hour, nil)

	first := q.Enqueue(signal.Decision{SignalID: "s1"}, "low confidence", 0)
	time.Sleep(time.Millisecond)
	second := q.Enqueue(signal.Decision{SignalID: "s2"}, "escalation", 0)

	items := q.List()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ReviewID != first.ReviewID || items[1].ReviewID != second.ReviewID {
		t.Fatalf("expected items ordered by queued_at, got %+v", items)
	}
}

func TestResolveApprovedClearsRequiresApproval(t *testing.T) {
	q := New(nil, TimeoutReject, time.Hour, nil)
	item := q.Enqueue(signal.Decision{SignalID: "s1", RequiresApproval: true}, "low confidence", 0)

	resolved, err := q.Resolve(item.ReviewID, signal.ReviewApproved, "looks fine")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != signal.ReviewApproved {
		t.Fatalf("expected approved status, got %+v", resolved)
	}
	if resolved.Decision.RequiresApproval {
		t.Fatal("expected RequiresApproval to be cleared on approval")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	q := New(nil, TimeoutReject, time.Hour, nil)
	item := q.Enqueue(signal.Decision{SignalID: "s1"}, "reason", 0)

	first, err := q.Resolve(item.ReviewID, signal.ReviewRejected, "no")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := q.Resolve(item.ReviewID, signal.ReviewApproved, "changed my mind")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != first.Status {
		t.Fatalf("expected resolving an already-resolved item to be a no-op, got %+v then %+v", first, second)
	}
}

func TestBackgroundScannerTimesOutExpiredItems(t *testing.T) {
	var exited []signal.ReviewItem
	q := New(nil, TimeoutReject, 10*time.Millisecond, func(item signal.ReviewItem) {
		exited = append(exited, item)
	})
	q.Enqueue(signal.Decision{SignalID: "s1"}, "reason", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		items := q.List()
		if len(items) == 1 && items[0].Status == signal.ReviewTimedOut {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the expired item to be timed out within the deadline")
}

func TestTimeoutApprovePolicyAutoApproves(t *testing.T) {
	q := New(nil, TimeoutApprove, 10*time.Millisecond, nil)
	q.Enqueue(signal.Decision{SignalID: "s1", RequiresApproval: true}, "reason", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		items := q.List()
		if len(items) == 1 && items[0].Status == signal.ReviewApproved {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the expired item to be auto-approved within the deadline")
}
