// Package dispatch executes approved Decisions against their target
// platform. Each platform gets an independent token-bucket rate limiter
// (golang.org/x/time/rate, as used for ingress admission in
// internal/ingressqueue) and an independent circuit breaker
// (github.com/sony/gobreaker) so a failing platform degrades without
// affecting dispatch to the others. Retry/backoff on transient errors is
// grounded on the teacher's retryTransport (formerly
// internal/httpkit/httpkit.go, since folded into internal/llm's own
// transport — see DESIGN.md): a timer-based wait that still honors
// context cancellation between attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/signal"
)

// DefaultMaxAttempts is MAX_ATTEMPTS from §4.J / §6.
const DefaultMaxAttempts = 3

// DefaultBackoff is the base delay for the exponential backoff schedule.
const DefaultBackoff = 500 * time.Millisecond

// Executor performs one platform's concrete side effect for a Decision.
// Implementations must be idempotent under retry of identical inputs.
type Executor interface {
	Execute(ctx context.Context, d signal.Decision) (signal.ExecutionResult, error)
}

// TransientError marks an error the dispatcher should retry with
// backoff (network timeout, 5xx, 429).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error the dispatcher must surface immediately
// without retrying (4xx except 429, validation failure).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// platformEntry bundles one platform's executor with its independent
// rate limiter and circuit breaker.
type platformEntry struct {
	executor Executor
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[signal.ExecutionResult]
}

// Dispatcher routes Decisions to per-platform executors, consulting the
// duplicate index immediately before any create_task call to catch a
// newer match that appeared after the decision was made.
type Dispatcher struct {
	logger      *slog.Logger
	dup         *dupindex.Index
	maxAttempts int
	baseBackoff time.Duration

	mu        sync.RWMutex
	platforms map[signal.Platform]*platformEntry
}

// New creates a Dispatcher with no registered platforms.
func New(logger *slog.Logger, dup *dupindex.Index) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:      logger,
		dup:         dup,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBackoff,
		platforms:   make(map[signal.Platform]*platformEntry),
	}
}

// Register wires an Executor for a platform with its own rate limit
// (ratePerSecond, burst) and circuit breaker settings.
func (d *Dispatcher) Register(platform signal.Platform, executor Executor, ratePerSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	breaker := gobreaker.NewCircuitBreaker[signal.ExecutionResult](gobreaker.Settings{
		Name:        string(platform),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	d.mu.Lock()
	d.platforms[platform] = &platformEntry{
		executor: executor,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker:  breaker,
	}
	d.mu.Unlock()
}

// Dispatch executes one Decision against its target platform, applying
// the duplicate-index idempotency check, rate limiting, circuit
// breaking, and exponential-backoff retry on transient errors.
func (d *Dispatcher) Dispatch(ctx context.Context, dec signal.Decision) signal.ExecutionResult {
	start := time.Now()

	if dec.Action == signal.ActionCreateTask && d.dup != nil {
		if title, ok := dec.Parameters["title"].(string); ok {
			if m := d.dup.Lookup(title); m.Found {
				return signal.ExecutionResult{
					Success:       true,
					Data:          map[string]any{"skipped": true, "reason": "duplicate_detected", "matched_reference": m.Reference},
					ExecutionTime: time.Since(start),
					ExecutorUsed:  string(dec.TargetPlatform),
				}
			}
		}
	}

	d.mu.RLock()
	entry, ok := d.platforms[dec.TargetPlatform]
	d.mu.RUnlock()
	if !ok {
		return signal.ExecutionResult{
			Success:       false,
			Error:         fmt.Sprintf("no executor registered for platform %q", dec.TargetPlatform),
			ErrKind:       signal.ErrKindPermanent,
			ExecutionTime: time.Since(start),
			ExecutorUsed:  string(dec.TargetPlatform),
		}
	}

	result := d.executeWithRetry(ctx, entry, dec)
	result.ExecutionTime = time.Since(start)
	result.ExecutorUsed = string(dec.TargetPlatform)
	return result
}

// DispatchBatch executes a batch of Decisions independently: a failure
// for one does not abort the others.
func (d *Dispatcher) DispatchBatch(ctx context.Context, decisions []signal.Decision) (successful, failed []signal.ExecutionResult) {
	for _, dec := range decisions {
		res := d.Dispatch(ctx, dec)
		if res.Success {
			successful = append(successful, res)
		} else {
			failed = append(failed, res)
		}
	}
	return successful, failed
}

func (d *Dispatcher) executeWithRetry(ctx context.Context, entry *platformEntry, dec signal.Decision) signal.ExecutionResult {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := entry.limiter.Wait(ctx); err != nil {
			return signal.ExecutionResult{Success: false, Error: err.Error(), ErrKind: signal.ErrKindCancelled}
		}

		out, err := entry.breaker.Execute(func() (signal.ExecutionResult, error) {
			return entry.executor.Execute(ctx, dec)
		})
		if err == nil {
			return out
		}
		lastErr = err

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return signal.ExecutionResult{Success: false, Error: permanent.Error(), ErrKind: signal.ErrKindPermanent}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return signal.ExecutionResult{Success: false, Error: err.Error(), ErrKind: signal.ErrKindTransient}
		}

		var transient *TransientError
		isTransient := errors.As(err, &transient)
		if !isTransient {
			// Unclassified errors are treated conservatively as
			// transient so a flaky executor gets retry attempts.
			isTransient = true
		}
		if !isTransient || attempt == d.maxAttempts {
			break
		}

		delay := d.baseBackoff * time.Duration(1<<uint(attempt-1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return signal.ExecutionResult{Success: false, Error: ctx.Err().Error(), ErrKind: signal.ErrKindCancelled}
		case <-timer.C:
		}

		d.logger.Warn("retrying dispatch after transient error",
			"platform", dec.TargetPlatform, "attempt", attempt, "max_attempts", d.maxAttempts, "error", err)
	}

	return signal.ExecutionResult{Success: false, Error: lastErr.Error(), ErrKind: signal.ErrKindTransient}
}
