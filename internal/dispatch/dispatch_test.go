package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/signal"
)

type fakeExecutor struct {
	calls     int64
	fn        func(calls int64) (signal.ExecutionResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, d signal.Decision) (signal.ExecutionResult, error) {
	n := atomic.AddInt64(&f.calls, 1)
	return f.fn(n)
}

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	d := New(nil, nil)
	exec := &fakeExecutor{fn: func(n int64) (signal.ExecutionResult, error) {
		return signal.ExecutionResult{Success: true}, nil
	}}
	d.Register(signal.PlatformChat, exec, 100, 10)

	res := d.Dispatch(context.Background(), signal.Decision{TargetPlatform: signal.PlatformChat, Action: signal.ActionSendNotification})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if atomic.LoadInt64(&exec.calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", exec.calls)
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	d := New(nil, nil)
	d.baseBackoff = time.Millisecond
	exec := &fakeExecutor{fn: func(n int64) (signal.ExecutionResult, error) {
		if n < 3 {
			return signal.ExecutionResult{}, &TransientError{Err: errors.New("temporary failure")}
		}
		return signal.ExecutionResult{Success: true}, nil
	}}
	d.Register(signal.PlatformChat, exec, 1000, 10)

	res := d.Dispatch(context.Background(), signal.Decision{TargetPlatform: signal.PlatformChat})
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if atomic.LoadInt64(&exec.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", exec.calls)
	}
}

func TestDispatchDoesNotRetryPermanentErrors(t *testing.T) {
	d := New(nil, nil)
	exec := &fakeExecutor{fn: func(n int64) (signal.ExecutionResult, error) {
		return signal.ExecutionResult{}, &PermanentError{Err: errors.New("bad request")}
	}}
	d.Register(signal.PlatformChat, exec, 1000, 10)

	res := d.Dispatch(context.Background(), signal.Decision{TargetPlatform: signal.PlatformChat})
	if res.Success {
		t.Fatal("expected failure for permanent error")
	}
	if res.ErrKind != signal.ErrKindPermanent {
		t.Fatalf("expected permanent error kind, got %q", res.ErrKind)
	}
	if atomic.LoadInt64(&exec.calls) != 1 {
		t.Fatalf("expected exactly one attempt for a permanent error, got %d", exec.calls)
	}
}

func TestDispatchSkipsNewlyDuplicateCreateTask(t *testing.T) {
	dup := dupindex.New(10, 0)
	dup.Add("task-1", "renew annual support contract")

	d := New(nil, dup)
	exec := &fakeExecutor{fn: func(n int64) (signal.ExecutionResult, error) {
		return signal.ExecutionResult{Success: true}, nil
	}}
	d.Register(signal.PlatformTaskTracker, exec, 1000, 10)

	dec := signal.Decision{
		TargetPlatform: signal.PlatformTaskTracker,
		Action:         signal.ActionCreateTask,
		Parameters:     map[string]any{"title": "renew annual support contract"},
	}
	res := d.Dispatch(context.Background(), dec)
	if !res.Success {
		t.Fatalf("expected skipped-as-duplicate to report success, got %+v", res)
	}
	if skipped, _ := res.Data["skipped"].(bool); !skipped {
		t.Fatalf("expected data.skipped=true, got %+v", res.Data)
	}
	if atomic.LoadInt64(&exec.calls) != 0 {
		t.Fatalf("expected the executor not to be called for a duplicate, got %d calls", exec.calls)
	}
}

func TestDispatchBatchPartialFailureDoesNotAbortSiblings(t *testing.T) {
	d := New(nil, nil)
	failing := &fakeExecutor{fn: func(n int64) (signal.ExecutionResult, error) {
		return signal.ExecutionResult{}, &PermanentError{Err: errors.New("nope")}
	}}
	succeeding := &fakeExecutor{fn: func(n int64) (signal.ExecutionResult, error) {
		return signal.ExecutionResult{Success: true}, nil
	}}
	d.Register(signal.PlatformChat, failing, 1000, 10)
	d.Register(signal.PlatformTaskTracker, succeeding, 1000, 10)

	successful, failed := d.DispatchBatch(context.Background(), []signal.Decision{
		{TargetPlatform: signal.PlatformChat},
		{TargetPlatform: signal.PlatformTaskTracker},
	})
	if len(successful) != 1 || len(failed) != 1 {
		t.Fatalf("expected one success and one failure, got successful=%d failed=%d", len(successful), len(failed))
	}
}

func TestDispatchUnregisteredPlatformFailsImmediately(t *testing.T) {
	d := New(nil, nil)
	res := d.Dispatch(context.Background(), signal.Decision{TargetPlatform: signal.PlatformCalendar})
	if res.Success {
		t.Fatal("expected failure for unregistered platform")
	}
}
