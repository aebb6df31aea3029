// Package config handles the reasoning core's configuration surface: the
// keys enumerated in §6 of the specification, loaded from YAML with
// environment-variable expansion, defaulted, and validated before any
// component reads from it. The Load/applyDefaults/Validate shape is
// unchanged from the teacher's agent configuration loader
// (internal/config/config.go in the original), generalized to this
// module's domain.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// levelTrace is a custom log level below Debug, for the oracle/executor
// wire-level forensics that `log_level: trace` in the config enables. It
// sits below slog's own LevelDebug (-4) because classify/dispatch request
// and response bodies are noisier than anything Debug covers.
const levelTrace = slog.Level(-8)

// parseLogLevel converts the `log_level` config key (§6) to a slog.Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return levelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// replaceTraceLevelName renders levelTrace as "TRACE" instead of slog's
// default "DEBUG-4", since text-handler output is what an operator tails.
func replaceTraceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == levelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// searchPathsFunc is overridable in tests so they don't accidentally pick
// up a real config file from the host running them.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order: the working
// directory, the user's config directory, then a container convention.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "opscore", "config.yaml"))
	}
	paths = append(paths, "/etc/opscore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise DefaultSearchPaths is searched in order.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds the reasoning core's tunables, keyed as in §6 of the
// specification.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Duplicate  DuplicateConfig  `yaml:"duplicate"`
	Decision   DecisionConfig   `yaml:"decision"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Review     ReviewConfig     `yaml:"review"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Patterns   PatternsConfig   `yaml:"patterns"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Platforms  PlatformsConfig  `yaml:"platforms"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// CacheConfig controls the classifier's fingerprint-keyed cache.
type CacheConfig struct {
	MaxSize int `yaml:"max_size"` // CACHE_MAX_SIZE, default 1000
	TTLMS   int `yaml:"ttl_ms"`   // CACHE_TTL_MS, default 3_600_000
}

// DuplicateConfig controls the duplicate-detection index.
type DuplicateConfig struct {
	Threshold float64 `yaml:"threshold"` // DUPLICATE_THRESHOLD, default 0.85
	Capacity  int     `yaml:"capacity"`  // bounded corpus size, default 500
}

// DecisionConfig controls the decision engine's rule thresholds.
type DecisionConfig struct {
	ConfidenceApprovalThreshold float64 `yaml:"confidence_approval_threshold"` // CONFIDENCE_APPROVAL_THRESHOLD, default 0.60
	CriticalSLAMinutes          int     `yaml:"critical_sla_minutes"`          // due-date window for rule 4, default 60
}

// IngressConfig controls the rate-limited priority queue at ingress.
type IngressConfig struct {
	RateLimitN        int `yaml:"rate_limit_n"`         // RATE_LIMIT_N, default 10
	RateLimitWindowMS int `yaml:"rate_limit_window_ms"` // RATE_LIMIT_WINDOW_MS, default 60_000
	QueueCapacity     int `yaml:"queue_capacity"`       // QUEUE_CAPACITY, default 1000
}

// ReviewConfig controls the human-approval queue.
type ReviewConfig struct {
	MaxTTLMS    int    `yaml:"max_ttl_ms"`   // MAX_REVIEW_TTL_MS, default 3_600_000
	TickSeconds int    `yaml:"tick_seconds"` // REVIEW_TICK, default 60
	TimeoutPolicy string `yaml:"timeout_policy"` // "reject" (default) or "auto_approve"
}

// DispatchConfig holds the executor attempt count. It is loaded and
// defaulted here, but cmd/opscore does not pass it to dispatch.New; the
// dispatcher always uses dispatch.DefaultMaxAttempts.
type DispatchConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // MAX_EXECUTOR_ATTEMPTS, default 3
}

// PlatformRateLimit is one platform's token-bucket admission rate.
type PlatformRateLimit struct {
	Platform          string  `yaml:"platform"`
	RateLimitMS       int     `yaml:"rate_limit_ms"` // EXECUTOR_RATE_LIMIT_MS per platform
	Burst             int     `yaml:"burst"`
}

// PlatformsConfig carries per-platform dispatcher settings and the
// destination defaults the parameter builder needs (channels, container
// ids, assignees).
type PlatformsConfig struct {
	RateLimits         []PlatformRateLimit `yaml:"rate_limits"`
	DefaultChannel     string              `yaml:"default_channel"`
	DefaultContainerID string              `yaml:"default_container_id"`
	DefaultAssignee    string              `yaml:"default_assignee"`
	DefaultLabels      []string            `yaml:"default_labels"`
}

// PatternsConfig controls the pattern store's detection thresholds.
type PatternsConfig struct {
	SenderThreshold  int `yaml:"sender_threshold"`  // PATTERN_SENDER_THRESHOLD, default 10
	KeywordThreshold int `yaml:"keyword_threshold"` // PATTERN_KEYWORD_THRESHOLD, default 5
}

// PromptConfig controls the prompt optimizer's example budget and
// rollback sensitivity.
type PromptConfig struct {
	MaxExamples            int `yaml:"max_examples"`             // PROMPT_MAX_EXAMPLES, default 10
	DegradationRollbackPP  int `yaml:"degradation_rollback_pp"`  // AB_DEGRADATION_ROLLBACK_PP, default 10
}

// AnthropicConfig carries the Oracle's model credentials, when a real
// Oracle (rather than the deterministic stub) is wired in.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// RateLimitWindow returns the ingress rolling window as a time.Duration.
func (c IngressConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// CacheTTL returns the classifier cache TTL as a time.Duration.
func (c CacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// ReviewTick returns the review queue's background scanner interval.
func (c ReviewConfig) ReviewTick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// MaxTTL returns MaxTTLMS as a time.Duration. Nothing passes it to the
// review queue: core.Pipeline enqueues review items with a zero timeout,
// so review.DefaultTimeout applies to every item.
func (c ReviewConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLMS) * time.Millisecond
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the defaults named in §6
// of the specification. Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 1000
	}
	if c.Cache.TTLMS == 0 {
		c.Cache.TTLMS = 3_600_000
	}
	if c.Duplicate.Threshold == 0 {
		c.Duplicate.Threshold = 0.85
	}
	if c.Duplicate.Capacity == 0 {
		c.Duplicate.Capacity = 500
	}
	if c.Decision.ConfidenceApprovalThreshold == 0 {
		c.Decision.ConfidenceApprovalThreshold = 0.60
	}
	if c.Decision.CriticalSLAMinutes == 0 {
		c.Decision.CriticalSLAMinutes = 60
	}
	if c.Ingress.RateLimitN == 0 {
		c.Ingress.RateLimitN = 10
	}
	if c.Ingress.RateLimitWindowMS == 0 {
		c.Ingress.RateLimitWindowMS = 60_000
	}
	if c.Ingress.QueueCapacity == 0 {
		c.Ingress.QueueCapacity = 1000
	}
	if c.Review.MaxTTLMS == 0 {
		c.Review.MaxTTLMS = 3_600_000
	}
	if c.Review.TickSeconds == 0 {
		c.Review.TickSeconds = 60
	}
	if c.Review.TimeoutPolicy == "" {
		c.Review.TimeoutPolicy = "reject"
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Patterns.SenderThreshold == 0 {
		c.Patterns.SenderThreshold = 10
	}
	if c.Patterns.KeywordThreshold == 0 {
		c.Patterns.KeywordThreshold = 5
	}
	if c.Prompt.MaxExamples == 0 {
		c.Prompt.MaxExamples = 10
	}
	if c.Prompt.DegradationRollbackPP == 0 {
		c.Prompt.DegradationRollbackPP = 10
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-5"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Duplicate.Threshold <= 0 || c.Duplicate.Threshold > 1 {
		return fmt.Errorf("duplicate.threshold must be in (0,1], got %v", c.Duplicate.Threshold)
	}
	if c.Decision.ConfidenceApprovalThreshold < 0 || c.Decision.ConfidenceApprovalThreshold > 1 {
		return fmt.Errorf("decision.confidence_approval_threshold must be in [0,1], got %v", c.Decision.ConfidenceApprovalThreshold)
	}
	if c.Ingress.RateLimitN < 1 {
		return fmt.Errorf("ingress.rate_limit_n must be positive, got %d", c.Ingress.RateLimitN)
	}
	if c.Review.TimeoutPolicy != "reject" && c.Review.TimeoutPolicy != "auto_approve" {
		return fmt.Errorf("review.timeout_policy must be %q or %q, got %q", "reject", "auto_approve", c.Review.TimeoutPolicy)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be positive, got %d", c.Dispatch.MaxAttempts)
	}
	if c.LogLevel != "" {
		if _, err := parseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// NewLogger builds the slog.Logger this module's log_level config key
// controls: a text handler writing to w, at the configured level, with
// levelTrace rendered as "TRACE" rather than slog's default "DEBUG-4".
// An empty LogLevel defaults to info. Called once by cmd/opscore after
// Load, so every component shares one handler configuration.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceTraceLevelName,
	})), nil
}

// Default returns a default configuration suitable for the cmd/opscore
// demo binary: stub oracle/executors, no external credentials required.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
