// Package ingressqueue bounds and paces the rate at which signals enter the
// reasoning pipeline. It combines a bounded priority queue (highest priority
// first, ties broken by arrival order) with a rolling-window rate limiter
// so a burst of low-value signals cannot starve the pipeline or the
// downstream oracle.
package ingressqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Enqueue when the rolling rate limit has
// been exhausted for the current window.
var ErrRateLimited = errors.New("ingressqueue: rate limited")

// Item is a single queued signal awaiting dequeue. Priority follows the
// classifier/decision convention: 1 is the most urgent.
type Item struct {
	Value    any
	Priority int
}

type heapItem struct {
	item    Item
	seq     int64
	pending bool
}

// priorityHeap orders by Priority ascending (1 = most urgent, so smallest
// numeric priority sorts first), with ties broken by arrival sequence so
// FIFO order holds within a priority class.
type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Stats exposes ingress counters for the metrics aggregator.
type Stats struct {
	Enqueued    int64
	Dropped     int64
	RateLimited int64
}

// Queue is a bounded, priority-ordered, rate-limited ingress buffer.
type Queue struct {
	capacity int
	limiter  *rate.Limiter

	mu    sync.Mutex
	cond  *sync.Cond
	heap  priorityHeap
	seq   int64
	stats Stats
}

// New creates a Queue with the given capacity and a token-bucket rate
// limiter admitting at most rateN signals per window.
func New(capacity int, rateN int, window time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if rateN <= 0 {
		rateN = 10
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	// rate.Limit is "events per second"; a burst equal to rateN lets a full
	// window's worth of signals through immediately, then refills
	// continuously rather than in discrete window boundaries — the
	// documented rolling-window behavior this type provides.
	perSecond := float64(rateN) / window.Seconds()

	q := &Queue{
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), rateN),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds an item, honoring both the rate limit and the capacity
// eviction policy. If the rate limit rejects the item, ErrRateLimited is
// returned and the item is not queued; callers may resubmit later.
//
// Eviction policy when at capacity: drop the queued item with the lowest
// priority (largest Priority number) to make room. If the new item is
// itself the lowest priority present, the new item is dropped instead.
func (q *Queue) Enqueue(item Item) error {
	if !q.limiter.Allow() {
		q.mu.Lock()
		q.stats.RateLimited++
		q.mu.Unlock()
		return ErrRateLimited
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.capacity {
		worstIdx := q.worstIndex()
		worst := q.heap[worstIdx]
		if item.Priority >= worst.item.Priority {
			// New item is not better than the current worst: drop the new one.
			q.stats.Dropped++
			return nil
		}
		heap.Remove(&q.heap, worstIdx)
		q.stats.Dropped++
	}

	q.seq++
	heap.Push(&q.heap, &heapItem{item: item, seq: q.seq})
	q.stats.Enqueued++
	q.cond.Signal()
	return nil
}

// worstIndex returns the heap index holding the numerically largest
// (least urgent) priority, ties broken toward the most recently arrived
// (largest seq), matching "drop the lowest-priority item currently queued".
func (q *Queue) worstIndex() int {
	worst := 0
	for i := 1; i < len(q.heap); i++ {
		if q.heap[i].item.Priority > q.heap[worst].item.Priority ||
			(q.heap[i].item.Priority == q.heap[worst].item.Priority && q.heap[i].seq > q.heap[worst].seq) {
			worst = i
		}
	}
	return worst
}

// Dequeue blocks until an item is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	// Wake the condition variable when ctx is cancelled by running a
	// watcher goroutine; this keeps Wait() usable without a select.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 {
		if ctx.Err() != nil {
			return Item{}, ctx.Err()
		}
		q.cond.Wait()
	}
	hi := heap.Pop(&q.heap).(*heapItem)
	return hi.item, nil
}

// Size returns the number of items currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear removes all queued items.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
}

// Stats returns a snapshot of ingress counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
