package classifier

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opscore/reasoning-core/internal/patterns"
	"github.com/opscore/reasoning-core/internal/preprocess"
	"github.com/opscore/reasoning-core/internal/signal"
)

// countingOracle wraps StubOracle and counts how many times Chat is called,
// so tests can assert on singleflight collapsing concurrent callers.
type countingOracle struct {
	calls int64
	inner Oracle
}

func (o *countingOracle) Chat(ctx context.Context, messages []Message, opts Options) (Response, error) {
	atomic.AddInt64(&o.calls, 1)
	return o.inner.Chat(ctx, messages, opts)
}

func testSignal(body string) signal.Signal {
	return signal.Signal{
		ID:      "sig-1",
		Source:  signal.SourceEmail,
		Subject: "test",
		Body:    body,
		Sender:  "alice@example.com",
	}
}

func TestClassifyReturnsValidClassification(t *testing.T) {
	c := New(StubOracle{}, NewCache(100, time.Hour), nil, nil, nil)
	defer c.cache.Stop()

	s := testSignal("the production service is down, urgent outage")
	norm := preprocess.Process(s)

	got, err := c.Classify(context.Background(), s, norm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Urgency != signal.UrgencyCritical {
		t.Fatalf("expected critical urgency, got %+v", got)
	}
}

func TestClassifySecondCallServedFromCache(t *testing.T) {
	oracle := &countingOracle{inner: StubOracle{}}
	c := New(oracle, NewCache(100, time.Hour), nil, nil, nil)
	defer c.cache.Stop()

	s := testSignal("please schedule a call next week")
	norm := preprocess.Process(s)

	if _, err := c.Classify(context.Background(), s, norm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Classify(context.Background(), s, norm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if atomic.LoadInt64(&oracle.calls) != 1 {
		t.Fatalf("expected exactly one oracle call across two classifications of the same signal, got %d", oracle.calls)
	}
}

func TestClassifyConcurrentCallsCollapseToOneOracleCall(t *testing.T) {
	oracle := &countingOracle{inner: StubOracle{Latency: 50 * time.Millisecond}}
	c := New(oracle, NewCache(100, time.Hour), nil, nil, nil)
	defer c.cache.Stop()

	s := testSignal("invoice attached, please review contract")
	norm := preprocess.Process(s)

	const n = 8
	results := make([]signal.Classification, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Classify(context.Background(), s, norm)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if !reflect.DeepEqual(results[i], results[0]) {
			t.Fatalf("expected identical classification across concurrent callers, caller %d differs: %+v vs %+v", i, results[i], results[0])
		}
	}

	if atomic.LoadInt64(&oracle.calls) != 1 {
		t.Fatalf("expected exactly one oracle call for %d concurrent callers with the same fingerprint, got %d", n, oracle.calls)
	}
}

func TestClassifyFallsBackOnUnparseableResponse(t *testing.T) {
	c := New(BrokenOracle{}, NewCache(100, time.Hour), nil, nil, nil)
	defer c.cache.Stop()

	s := testSignal("anything at all")
	norm := preprocess.Process(s)

	got, err := c.Classify(context.Background(), s, norm)
	if err != nil {
		t.Fatalf("fallback path must not return an error: %v", err)
	}
	if got.Reasoning != "parse_failure" {
		t.Fatalf("expected fallback classification, got %+v", got)
	}
	if got.Confidence != 0.30 {
		t.Fatalf("expected fallback confidence 0.30, got %v", got.Confidence)
	}
}

func TestClassifyAppliesBoundedPatternAdjustment(t *testing.T) {
	store := patterns.New(patterns.DefaultThresholds())
	now := time.Now()
	var records []signal.FeedbackRecord
	for i := 0; i < 12; i++ {
		records = append(records, signal.FeedbackRecord{
			Sender:         "alice@example.com",
			Classification: signal.Classification{Category: signal.CategoryIncident, Urgency: signal.UrgencyMedium},
			Decision:       signal.Decision{Action: signal.ActionCreateTask},
			Outcome:        signal.OutcomeSuccess,
			Timestamp:      now,
		})
	}
	store.Derive(records)

	c := New(StubOracle{}, NewCache(100, time.Hour), store, nil, nil)
	defer c.cache.Stop()

	s := testSignal("just a routine question about status")
	norm := preprocess.Process(s)

	got, err := c.Classify(context.Background(), s, norm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Category != signal.CategoryIncident {
		t.Fatalf("expected sender's dominant category override to apply, got %+v", got)
	}
}

func TestClassifyRespectsContextCancellation(t *testing.T) {
	oracle := &countingOracle{inner: StubOracle{Latency: 200 * time.Millisecond}}
	c := New(oracle, NewCache(100, time.Hour), nil, nil, nil)
	defer c.cache.Stop()

	s := testSignal("some body")
	norm := preprocess.Process(s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Classify(ctx, s, norm)
	if err == nil {
		t.Fatal("expected a context error for a cancelled classification")
	}
}
