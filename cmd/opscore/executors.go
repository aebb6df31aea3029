package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

// loggingExecutor is the demo stand-in for a real per-platform executor:
// it never calls out to a SaaS, it just logs the payload it would have
// sent and reports success. One instance is registered per platform name
// so the dispatcher's per-platform rate limiting and circuit breaking are
// exercised even without real credentials, mirroring how cmd/thane's "ask"
// mode runs the agent loop against local stand-ins for Home Assistant.
type loggingExecutor struct {
	platform signal.Platform
	logger   *slog.Logger
}

func newLoggingExecutor(platform signal.Platform, logger *slog.Logger) *loggingExecutor {
	return &loggingExecutor{platform: platform, logger: logger}
}

func (e *loggingExecutor) Execute(ctx context.Context, d signal.Decision) (signal.ExecutionResult, error) {
	start := time.Now()
	e.logger.Info("executing decision",
		"platform", e.platform,
		"decision_id", d.DecisionID,
		"action", d.Action,
		"parameters", d.Parameters,
	)
	return signal.ExecutionResult{
		Success:       true,
		Data:          map[string]any{"message": fmt.Sprintf("%s: recorded %s", e.platform, d.Action)},
		ExecutionTime: time.Since(start),
		ExecutorUsed:  string(e.platform),
	}, nil
}
