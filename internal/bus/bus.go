// Package bus provides the core's event broker: HubEvent emission with
// priority dispatch, per-type subscriber lists, a bounded replay history,
// and reconnection semantics for subscribers that wrap an external
// transport. It generalizes the teacher's events.Bus (a flat broadcast
// map) into the priority-FIFO model required by the reasoning core.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Priority selects which of the bus's three FIFOs an event is queued on.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// HubEvent is a single occurrence published to the bus.
type HubEvent struct {
	Type      string
	Priority  Priority
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives delivered events. A Handler error is logged and does not
// prevent delivery to other subscribers.
type Handler func(ctx context.Context, e HubEvent) error

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

// ReconnectableSubscriber is implemented by subscribers that wrap an
// external transport (a websocket, a queue connection) which can fail in a
// way the bus should not treat as a permanent subscriber error. When a
// subscription registered with a ReconnectableSubscriber has its handler
// return an error, the bus logs it and also starts exponential-backoff
// reconnection in the background.
type ReconnectableSubscriber interface {
	// Reconnect attempts to restore the underlying transport. Returning nil
	// means the subscriber is ready to receive events again.
	Reconnect(ctx context.Context) error
}

type subscription struct {
	id        int64
	eventType string
	handler   Handler
	reconnect ReconnectableSubscriber
}

// ReconnectConfig controls the bus's subscriber-reconnection backoff,
// mirroring the shape of a service health watcher: startup-style retries
// with an exponential delay capped at MaxDelay.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultReconnectConfig is a conservative schedule: 1s, 2s, 4s, ... capped
// at 30s, for up to 5 attempts; the subscriber stays registered after the
// attempts run out.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}
}

// Stats exposes bus-level counters for the metrics aggregator.
type Stats struct {
	Delivered        int64
	HandlerErrors    int64
	ReconnectAttempts int64
	ReconnectSuccesses int64
}

// Hub is a single in-process event broker. One background worker drains
// strictly from the high-priority FIFO before normal before low; FIFO
// order is preserved within a priority class. Hub never drops an accepted
// event due to subscriber failure — it logs and continues, and (for
// reconnectable subscribers) reconnects in the background while delivery
// goes on.
type Hub struct {
	logger    *slog.Logger
	reconnect ReconnectConfig
	historyN  int

	mu      sync.Mutex
	subs    map[string][]subscription
	nextID  int64
	history []HubEvent
	stats   Stats

	queues  [3]chan HubEvent
	done    chan struct{}
	started bool
}

// New creates a Hub. historySize bounds the replay buffer (0 disables
// history). queueCapacity bounds each of the three priority FIFOs.
func New(logger *slog.Logger, historySize, queueCapacity int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	h := &Hub{
		logger:    logger,
		reconnect: DefaultReconnectConfig(),
		historyN:  historySize,
		subs:      make(map[string][]subscription),
		done:      make(chan struct{}),
	}
	for i := range h.queues {
		h.queues[i] = make(chan HubEvent, queueCapacity)
	}
	return h
}

// SetReconnectConfig overrides the default reconnect backoff schedule.
func (h *Hub) SetReconnectConfig(cfg ReconnectConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnect = cfg
}

// Start launches the dispatch worker. Safe to call once; subsequent calls
// are no-ops.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.run(ctx)
}

// Stop signals the dispatch worker to exit. The worker returns at its next
// loop iteration; events still queued at that point are not delivered.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Publish enqueues an event for asynchronous delivery. It never blocks the
// caller beyond the channel send; if the target priority FIFO is full, the
// call blocks until space frees up, by design — ingress-side backpressure
// belongs to the ingress queue (package ingressqueue), not the bus.
func (h *Hub) Publish(e HubEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.recordHistory(e)
	h.queues[e.Priority] <- e
}

func (h *Hub) recordHistory(e HubEvent) {
	if h.historyN <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, e)
	if len(h.history) > h.historyN {
		h.history = h.history[len(h.history)-h.historyN:]
	}
}

// History returns a copy of the most recently emitted events, oldest first.
func (h *Hub) History() []HubEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HubEvent, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe registers handler for eventType and returns an Unsubscribe
// handle. If sub implements ReconnectableSubscriber, the bus drives
// reconnection on fatal transport errors reported by handler.
func (h *Hub) Subscribe(eventType string, handler Handler, sub ReconnectableSubscriber) Unsubscribe {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[eventType] = append(h.subs[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
		reconnect: sub,
	})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[eventType]
		for i, s := range list {
			if s.id == id {
				h.subs[eventType] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for eventType.
func (h *Hub) SubscriberCount(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[eventType])
}

// Stats returns a snapshot of delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		default:
		}

		// Drain strictly High > Normal > Low: a non-blocking receive on
		// each queue in priority order, re-starting from High after every
		// delivery, so a Low event can never jump ahead of a Normal or
		// High event that is already buffered.
		if e, ok := h.tryReceive(); ok {
			h.deliver(ctx, e)
			continue
		}

		// Nothing ready on any queue; block until something is, without
		// picking uniformly at random among the three priorities.
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case e := <-h.queues[PriorityHigh]:
			h.deliver(ctx, e)
		case e := <-h.queues[PriorityNormal]:
			h.deliver(ctx, e)
		case e := <-h.queues[PriorityLow]:
			h.deliver(ctx, e)
		}
	}
}

// tryReceive performs a non-blocking check of the three priority queues in
// strict order and returns the first event found, if any.
func (h *Hub) tryReceive() (HubEvent, bool) {
	select {
	case e := <-h.queues[PriorityHigh]:
		return e, true
	default:
	}
	select {
	case e := <-h.queues[PriorityNormal]:
		return e, true
	default:
	}
	select {
	case e := <-h.queues[PriorityLow]:
		return e, true
	default:
	}
	return HubEvent{}, false
}

func (h *Hub) deliver(ctx context.Context, e HubEvent) {
	h.mu.Lock()
	subs := append([]subscription(nil), h.subs[e.Type]...)
	h.mu.Unlock()

	for _, s := range subs {
		err := s.handler(ctx, e)
		if err == nil {
			continue
		}
		h.mu.Lock()
		h.stats.HandlerErrors++
		h.mu.Unlock()
		h.logger.Warn("bus subscriber error", "event_type", e.Type, "error", err)

		if s.reconnect != nil {
			go h.reconnectSubscriber(ctx, s)
		}
	}
	h.mu.Lock()
	h.stats.Delivered++
	h.mu.Unlock()
}

// reconnectSubscriber retries s.reconnect.Reconnect with exponential
// backoff, up to MaxAttempts. Reconnection attempts and successes are
// counted in Stats; a run that exhausts its attempts leaves the subscriber
// registered (future deliveries will try again) — the bus never drops an
// accepted event or a subscriber due to transport failure.
func (h *Hub) reconnectSubscriber(ctx context.Context, s subscription) {
	cfg := h.reconnect
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h.mu.Lock()
		h.stats.ReconnectAttempts++
		h.mu.Unlock()

		err := s.reconnect.Reconnect(ctx)
		if err == nil {
			h.mu.Lock()
			h.stats.ReconnectSuccesses++
			h.mu.Unlock()
			h.logger.Info("bus subscriber reconnected", "event_type", s.eventType, "attempt", attempt)
			return
		}

		h.logger.Debug("bus subscriber reconnect failed", "event_type", s.eventType, "attempt", attempt, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	h.logger.Warn("bus subscriber reconnect exhausted", "event_type", s.eventType, "attempts", maxAttempts)
}
