package classifier

import (
	"testing"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

func TestCacheMissThenHit(t *testing.T) {
	c := NewCache(10, time.Hour)
	defer c.Stop()

	if _, ok := c.Get("fp1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("fp1", signal.Classification{Urgency: signal.UrgencyHigh, Confidence: 0.8})

	got, ok := c.Get("fp1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got.Urgency != signal.UrgencyHigh || got.Confidence != 0.8 {
		t.Fatalf("unexpected cached value: %+v", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if rate := stats.HitRate(); rate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", rate)
	}
}

func TestCacheGetReturnsIndependentCopy(t *testing.T) {
	c := NewCache(10, time.Hour)
	defer c.Stop()

	c.Put("fp1", signal.Classification{SuggestedActions: []string{"a", "b"}})

	got, _ := c.Get("fp1")
	got.SuggestedActions[0] = "mutated"

	got2, _ := c.Get("fp1")
	if got2.SuggestedActions[0] != "a" {
		t.Fatalf("mutation of returned value leaked into cache: %+v", got2)
	}
}

func TestCacheEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewCache(2, time.Hour)
	defer c.Stop()

	c.Put("a", signal.Classification{Reasoning: "a"})
	c.Put("b", signal.Classification{Reasoning: "b"})

	// Touch "a" so it is more recently used than "b".
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}

	c.Put("c", signal.Classification{Reasoning: "c"})

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to have been evicted as least recently used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Fatalf("expected exactly one eviction, got %d", stats.Evictions)
	}
}

func TestCacheExpiresEntriesPastTTL(t *testing.T) {
	c := NewCache(10, 10*time.Millisecond)
	defer c.Stop()

	c.Put("fp1", signal.Classification{Reasoning: "stale"})
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("fp1"); ok {
		t.Fatal("expected expired entry to be a miss")
	}
}

func TestCacheStopIsIdempotent(t *testing.T) {
	c := NewCache(10, time.Hour)
	c.Stop()
	c.Stop()
}
