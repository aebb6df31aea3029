// Package main is the demo entry point for the reasoning core: it wires
// every subsystem (§4.A-L of the specification) together with a stub
// oracle and logging executors so the pipeline can be driven end to end
// without real SaaS credentials or a live model.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opscore/reasoning-core/internal/buildinfo"
	"github.com/opscore/reasoning-core/internal/bus"
	"github.com/opscore/reasoning-core/internal/classifier"
	"github.com/opscore/reasoning-core/internal/config"
	"github.com/opscore/reasoning-core/internal/core"
	"github.com/opscore/reasoning-core/internal/decision"
	"github.com/opscore/reasoning-core/internal/dispatch"
	"github.com/opscore/reasoning-core/internal/dupindex"
	"github.com/opscore/reasoning-core/internal/feedback"
	"github.com/opscore/reasoning-core/internal/ingressqueue"
	"github.com/opscore/reasoning-core/internal/llm"
	"github.com/opscore/reasoning-core/internal/metrics"
	"github.com/opscore/reasoning-core/internal/params"
	"github.com/opscore/reasoning-core/internal/patterns"
	"github.com/opscore/reasoning-core/internal/review"
	"github.com/opscore/reasoning-core/internal/signal"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "classify":
			if flag.NArg() < 2 {
				fmt.Fprintln(os.Stderr, "usage: opscore classify <subject> [body]")
				os.Exit(1)
			}
			runClassify(logger, *configPath, flag.Args()[1:])
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("opscore - reasoning and dispatch core")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the pipeline and dashboard snapshot server")
	fmt.Println("  classify  Run one signal through the full pipeline (logging executors)")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// buildOracle returns the stub oracle unless an Anthropic API key is
// configured, in which case real calls go out through llm.ClientOracle.
func buildOracle(cfg *config.Config, logger *slog.Logger) classifier.Oracle {
	if !cfg.Anthropic.Configured() {
		logger.Info("no anthropic.api_key configured, using deterministic stub oracle")
		return classifier.StubOracle{}
	}
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	logger.Info("anthropic oracle configured", "model", cfg.Anthropic.Model)
	return llm.NewClientOracle(client, cfg.Anthropic.Model)
}

// wired bundles every component core.Pipeline needs plus the pieces (hub,
// review queue, tracker) that must be started/stopped around its Run loop.
type wired struct {
	pipeline   *core.Pipeline
	hub        *bus.Hub
	reviewQ    *review.Queue
	tracker    *feedback.Tracker
	optimizer  *feedback.Optimizer
	patStore   *patterns.Store
	collector  *metrics.Collector
	queue      *ingressqueue.Queue
}

func buildPipeline(cfg *config.Config, logger *slog.Logger) (*wired, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	hub := bus.New(logger, 100, 256)

	queue := ingressqueue.New(cfg.Ingress.QueueCapacity, cfg.Ingress.RateLimitN, cfg.Ingress.RateLimitWindow())

	patThresholds := patterns.DefaultThresholds()
	patThresholds.SenderMinSupport = cfg.Patterns.SenderThreshold
	patThresholds.KeywordMinSupport = cfg.Patterns.KeywordThreshold
	patStore := patterns.New(patThresholds)

	cache := classifier.NewCache(cfg.Cache.MaxSize, cfg.Cache.CacheTTL())

	tracker, err := feedback.Open(cfg.DataDir + "/feedback.jsonl")
	if err != nil {
		return nil, fmt.Errorf("open feedback log: %w", err)
	}

	seedTemplate := signal.PromptTemplate{
		ID:           "default",
		Version:      1,
		SystemPrompt: "Classify the incoming signal by urgency, importance, category, and suggested actions.",
		MaxExamples:  cfg.Prompt.MaxExamples,
		CreatedAt:    time.Now(),
	}
	optimizerCfg := feedback.DefaultOptimizerConfig()
	optimizerCfg.MaxExamples = cfg.Prompt.MaxExamples
	optimizerCfg.DegradationRollbackPP = float64(cfg.Prompt.DegradationRollbackPP) / 100
	optimizer := feedback.NewOptimizer(optimizerCfg, seedTemplate)

	oracle := buildOracle(cfg, logger)
	clf := classifier.New(oracle, cache, patStore, optimizer, logger)

	dup := dupindex.New(cfg.Duplicate.Capacity, cfg.Duplicate.Threshold)

	eng := decision.New(decision.Config{
		ConfidenceThreshold: cfg.Decision.ConfidenceApprovalThreshold,
		CriticalSLA:         time.Duration(cfg.Decision.CriticalSLAMinutes) * time.Minute,
	})

	paramCfg := params.PlatformConfig{
		DefaultChannel:     cfg.Platforms.DefaultChannel,
		DefaultContainerID: cfg.Platforms.DefaultContainerID,
		DefaultAssignee:    cfg.Platforms.DefaultAssignee,
		DefaultLabels:      cfg.Platforms.DefaultLabels,
	}

	dispatcher := dispatch.New(logger, dup)
	for _, pl := range []signal.Platform{
		signal.PlatformTaskTracker, signal.PlatformChat, signal.PlatformFilesystem,
		signal.PlatformSpreadsheet, signal.PlatformCalendar,
	} {
		rate, burst := 1.0, 1
		for _, rl := range cfg.Platforms.RateLimits {
			if signal.Platform(rl.Platform) == pl && rl.RateLimitMS > 0 {
				rate = 1000.0 / float64(rl.RateLimitMS)
				burst = rl.Burst
				if burst == 0 {
					burst = 1
				}
			}
		}
		dispatcher.Register(pl, newLoggingExecutor(pl, logger), rate, burst)
	}

	collector := metrics.New(metrics.Config{
		Hub:      hub,
		Queue:    queue,
		Cache:    cache,
		Tracker:  tracker,
		DupIndex: dup,
		CacheTTL: 5 * time.Second,
		Logger:   logger,
	})

	policy := review.TimeoutReject
	if cfg.Review.TimeoutPolicy == "auto_approve" {
		policy = review.TimeoutApprove
	}

	var pipeline *core.Pipeline
	reviewQ := review.New(logger, policy, cfg.Review.ReviewTick(), func(item signal.ReviewItem) {
		pipeline.ReviewHandler()(item)
	})

	pipeline = core.New(core.Config{
		Logger:     logger,
		Queue:      queue,
		Classifier: clf,
		Patterns:   patStore,
		Dup:        dup,
		Decision:   eng,
		Params:     paramCfg,
		Review:     reviewQ,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Collector:  collector,
	})

	return &wired{
		pipeline:  pipeline,
		hub:       hub,
		reviewQ:   reviewQ,
		tracker:   tracker,
		optimizer: optimizer,
		patStore:  patStore,
		collector: collector,
		queue:     queue,
	}, nil
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting opscore", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if cfg.LogLevel != "" {
		l, err := cfg.NewLogger(os.Stdout)
		if err != nil {
			logger.Error("invalid log_level", "error", err)
			os.Exit(1)
		}
		logger = l
	}

	w, err := buildPipeline(cfg, logger)
	if err != nil {
		logger.Error("failed to wire pipeline", "error", err)
		os.Exit(1)
	}
	defer w.tracker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.hub.Start(ctx)
	w.reviewQ.Start(ctx)
	go w.collector.Run(ctx.Done())
	go w.pipeline.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/snapshot", w.collector.ServeHTTP)
	mux.HandleFunc("/ws", w.collector.ServeWS)

	addr := ":8085"
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("dashboard snapshot server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("snapshot server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()
	w.reviewQ.Stop()
	w.hub.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("opscore stopped")
}

func runClassify(logger *slog.Logger, configPath string, args []string) {
	subject := args[0]
	body := ""
	if len(args) > 1 {
		body = args[1]
	}

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	w, err := buildPipeline(cfg, logger)
	if err != nil {
		logger.Error("failed to wire pipeline", "error", err)
		os.Exit(1)
	}
	defer w.tracker.Close()

	s := signal.Signal{
		ID:        fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		Source:    signal.SourceEmail,
		Subject:   subject,
		Body:      body,
		Sender:    "cli@local",
		Timestamp: time.Now(),
	}

	w.pipeline.ProcessOne(context.Background(), s)
	fmt.Println("processed signal", s.ID)
}
