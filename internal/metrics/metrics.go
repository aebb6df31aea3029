// Package metrics aggregates a point-in-time view of the reasoning
// pipeline for the runtime overview page: queue depth, per-stage
// in-flight counts, recent decisions, pending reviews, cache hit rate,
// and throughput/error rates. It mirrors the pull-based snapshot style
// of internal/web's DashboardData (built from statsFunc/routerFunc/
// healthFunc callbacks at request time) but also exports the same
// counters to Prometheus and pushes snapshots over a websocket channel,
// following internal/homeassistant's client-side connection handling
// adapted to a server-side broadcaster.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"

	"github.com/opscore/reasoning-core/internal/bus"
	"github.com/opscore/reasoning-core/internal/classifier"
	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/feedback"
	"github.com/opscore/reasoning-core/internal/ingressqueue"
	"github.com/opscore/reasoning-core/internal/review"
	"github.com/opscore/reasoning-core/internal/signal"
)

// DefaultCacheTTL is CACHE_TTL_MS from the runtime overview: snapshots
// younger than this are served from cache rather than recomputed.
const DefaultCacheTTL = 5 * time.Second

// DefaultRecentDecisions bounds the recent-decisions ring buffer.
const DefaultRecentDecisions = 100

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opscore_ingress_queue_depth",
		Help: "Current number of signals waiting in the ingress queue",
	})
	pendingReviews = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opscore_pending_reviews",
		Help: "Current number of decisions awaiting human review",
	})
	cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opscore_classifier_cache_hit_rate",
		Help: "Rolling classifier cache hit rate in [0,1]",
	})
	successRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opscore_decision_success_rate",
		Help: "Rolling fraction of dispatched decisions that succeeded",
	})
	signalsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_signals_processed_total",
		Help: "Total signals that completed the reasoning pipeline",
	})
	signalsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_signals_failed_total",
		Help: "Total signals that ended in a failure outcome",
	})
	stageInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opscore_stage_in_flight",
		Help: "Signals currently occupying a pipeline stage",
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(pendingReviews)
	prometheus.MustRegister(cacheHitRate)
	prometheus.MustRegister(successRate)
	prometheus.MustRegister(signalsProcessed)
	prometheus.MustRegister(signalsFailed)
	prometheus.MustRegister(stageInFlight)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Stage names tracked by Collector.EnterStage/ExitStage.
const (
	StagePreprocess = "preprocess"
	StageClassify   = "classify"
	StageDecide     = "decide"
	StageDispatch   = "dispatch"
)

// DecisionRecord is one entry in the recent-decisions ring buffer.
type DecisionRecord struct {
	Decision  signal.Decision `json:"decision"`
	Outcome   signal.Outcome  `json:"outcome"`
	Timestamp time.Time       `json:"timestamp"`
}

// LearningInsight is a human-readable note the pattern/optimizer
// subsystems surface when they change behavior (a threshold crossed, a
// candidate promoted, a rollback triggered).
type LearningInsight struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the full point-in-time view served to the dashboard and
// pushed to websocket subscribers.
type Snapshot struct {
	GeneratedAt      time.Time              `json:"generated_at"`
	Uptime           time.Duration          `json:"uptime"`
	QueueDepth       int                    `json:"queue_depth"`
	QueueDropped     int64                  `json:"queue_dropped"`
	QueueRateLimited int64                  `json:"queue_rate_limited"`
	StageInFlight    map[string]int         `json:"stage_in_flight"`
	RecentDecisions  []DecisionRecord       `json:"recent_decisions"`
	PendingReviews   []signal.ReviewItem    `json:"pending_reviews"`
	SuccessRate      float64                `json:"success_rate"`
	CacheHitRate     float64                `json:"cache_hit_rate"`
	ThroughputPerMin float64                `json:"throughput_per_minute"`
	ErrorRate        float64                `json:"error_rate"`
	DuplicatesKnown  int                    `json:"duplicates_known"`
	RecentInsights   []LearningInsight      `json:"recent_insights"`
	BusStats         bus.Stats              `json:"bus_stats"`
}

// Collector pulls live state from the pipeline's shared subsystems on
// demand and caches the result for CacheTTL, the same bounded-staleness
// tradeoff internal/web's dashboard accepts by only refreshing on page
// load. It also tracks in-flight stage occupancy and recent history
// that no single subsystem owns.
type Collector struct {
	cfg Config

	hub       *bus.Hub
	queue     *ingressqueue.Queue
	cache     *classifier.Cache
	reviews   *review.Queue
	tracker   *feedback.Tracker
	dupIndex  *dupindex.Index
	startedAt time.Time

	mu           sync.Mutex
	cached       Snapshot
	cachedAt     time.Time
	inFlight     map[string]int
	decisions    []DecisionRecord
	insights     []LearningInsight
	minuteWindow []time.Time

	subsMu sync.Mutex
	subs   map[*websocket.Conn]chan Snapshot

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// Config bundles the subsystems a Collector reads from. Any field may
// be nil; the corresponding part of the snapshot is left at its zero
// value.
type Config struct {
	Hub      *bus.Hub
	Queue    *ingressqueue.Queue
	Cache    *classifier.Cache
	Reviews  *review.Queue
	Tracker  *feedback.Tracker
	DupIndex *dupindex.Index
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// New builds a Collector. Zero-valued Config fields fall back to
// documented defaults.
func New(cfg Config) *Collector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{
		cfg:       cfg,
		hub:       cfg.Hub,
		queue:     cfg.Queue,
		cache:     cfg.Cache,
		reviews:   cfg.Reviews,
		tracker:   cfg.Tracker,
		dupIndex:  cfg.DupIndex,
		startedAt: time.Now(),
		inFlight:  make(map[string]int, 4),
		subs:      make(map[*websocket.Conn]chan Snapshot),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:    cfg.Logger,
	}
}

// EnterStage marks one signal as occupying stage. Call ExitStage when
// it leaves, including on error paths.
func (c *Collector) EnterStage(stage string) {
	c.mu.Lock()
	c.inFlight[stage]++
	c.mu.Unlock()
	stageInFlight.WithLabelValues(stage).Inc()
}

// ExitStage reverses a prior EnterStage call.
func (c *Collector) ExitStage(stage string) {
	c.mu.Lock()
	if c.inFlight[stage] > 0 {
		c.inFlight[stage]--
	}
	c.mu.Unlock()
	stageInFlight.WithLabelValues(stage).Dec()
}

// RecordDecision appends a terminal decision outcome to the recent
// history ring and rolling throughput/error accounting.
func (c *Collector) RecordDecision(dec signal.Decision, outcome signal.Outcome) {
	rec := DecisionRecord{Decision: dec, Outcome: outcome, Timestamp: time.Now()}

	c.mu.Lock()
	c.decisions = append(c.decisions, rec)
	if len(c.decisions) > DefaultRecentDecisions {
		c.decisions = c.decisions[len(c.decisions)-DefaultRecentDecisions:]
	}
	c.minuteWindow = append(c.minuteWindow, rec.Timestamp)
	c.minuteWindow = pruneOlderThan(c.minuteWindow, time.Minute)
	c.mu.Unlock()

	signalsProcessed.Inc()
	if outcome == signal.OutcomeFailure {
		signalsFailed.Inc()
	}
}

// RecordInsight appends a learning-subsystem note (pattern threshold
// crossed, candidate template promoted or rolled back) to the recent
// insights list, bounded the same way recent decisions are.
func (c *Collector) RecordInsight(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insights = append(c.insights, LearningInsight{Message: message, Timestamp: time.Now()})
	if len(c.insights) > DefaultRecentDecisions {
		c.insights = c.insights[len(c.insights)-DefaultRecentDecisions:]
	}
}

func pruneOlderThan(ts []time.Time, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// Snapshot returns the current view, recomputing it only if the
// previously cached copy is older than CacheTTL. The returned value is
// a copy; callers must not mutate the slices/maps it embeds.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	if time.Since(c.cachedAt) < c.cfg.CacheTTL && !c.cachedAt.IsZero() {
		snap := c.cached
		c.mu.Unlock()
		return snap
	}
	c.mu.Unlock()

	snap := c.compute()

	c.mu.Lock()
	c.cached = snap
	c.cachedAt = snap.GeneratedAt
	c.mu.Unlock()

	return snap
}

func (c *Collector) compute() Snapshot {
	snap := Snapshot{
		GeneratedAt: time.Now(),
		Uptime:      time.Since(c.startedAt),
	}

	c.mu.Lock()
	snap.StageInFlight = make(map[string]int, len(c.inFlight))
	for k, v := range c.inFlight {
		snap.StageInFlight[k] = v
	}
	snap.RecentDecisions = append([]DecisionRecord(nil), c.decisions...)
	snap.RecentInsights = append([]LearningInsight(nil), c.insights...)
	snap.ThroughputPerMin = float64(len(c.minuteWindow))
	c.mu.Unlock()

	if c.queue != nil {
		qs := c.queue.Stats()
		snap.QueueDepth = c.queue.Size()
		snap.QueueDropped = qs.Dropped
		snap.QueueRateLimited = qs.RateLimited
		queueDepth.Set(float64(snap.QueueDepth))
	}
	if c.cache != nil {
		cs := c.cache.Stats()
		snap.CacheHitRate = cs.HitRate()
		cacheHitRate.Set(snap.CacheHitRate)
	}
	if c.reviews != nil {
		snap.PendingReviews = c.reviews.List()
		pendingReviews.Set(float64(len(snap.PendingReviews)))
	}
	if c.dupIndex != nil {
		snap.DuplicatesKnown = c.dupIndex.Len()
	}
	if c.hub != nil {
		snap.BusStats = c.hub.Stats()
	}
	if c.tracker != nil {
		overall := c.tracker.Overall()
		snap.SuccessRate = overall.SuccessRate()
		if overall.Count > 0 {
			snap.ErrorRate = 1 - snap.SuccessRate
		}
		successRate.Set(snap.SuccessRate)
	}

	return snap
}

// ServeHTTP implements the JSON polling endpoint for consumers that do
// not want a websocket connection (e.g. curl, a status check).
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
		c.logger.Error("encode metrics snapshot", "error", err)
	}
}

// ServeWS upgrades the request to a websocket and streams the snapshots
// Run broadcasts (every CacheTTL) until a write to the client fails.
func (c *Collector) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan Snapshot, 1)
	c.subsMu.Lock()
	c.subs[conn] = ch
	c.subsMu.Unlock()

	defer func() {
		c.subsMu.Lock()
		delete(c.subs, conn)
		c.subsMu.Unlock()
		close(ch)
		conn.Close()
	}()

	ch <- c.Snapshot()
	for snap := range ch {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		_ = snap
	}
}

// Run drives the websocket broadcast loop, pushing a fresh snapshot to
// every connected subscriber every CacheTTL, until done is closed.
func (c *Collector) Run(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.CacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subsMu.Lock()
			for _, ch := range c.subs {
				select {
				case ch <- snap:
				default:
				}
			}
			c.subsMu.Unlock()
		}
	}
}
