package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "explicit.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /tmp\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(candidate, []byte("data_dir: /tmp\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	orig := searchPathsFunc
	searchPathsFunc = func() []string { return []string{candidate} }
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != candidate {
		t.Errorf("got %q, want %q", got, candidate)
	}
}

func TestFindConfig_NoneFound(t *testing.T) {
	orig := searchPathsFunc
	searchPathsFunc = func() []string { return []string{"/nonexistent/a.yaml", "/nonexistent/b.yaml"} }
	defer func() { searchPathsFunc = orig }()

	if _, err := FindConfig(""); err == nil {
		t.Fatal("expected error when no config file exists on any search path")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("OPSCORE_TEST_API_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "anthropic:\n  api_key: ${OPSCORE_TEST_API_KEY}\n  model: claude-sonnet-4-5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env var", cfg.Anthropic.APIKey)
	}
	if !cfg.Anthropic.Configured() {
		t.Error("Configured() should be true once api_key is set")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.MaxSize != 1000 {
		t.Errorf("Cache.MaxSize = %d, want 1000", cfg.Cache.MaxSize)
	}
	if cfg.Duplicate.Threshold != 0.85 {
		t.Errorf("Duplicate.Threshold = %v, want 0.85", cfg.Duplicate.Threshold)
	}
	if cfg.Decision.ConfidenceApprovalThreshold != 0.60 {
		t.Errorf("Decision.ConfidenceApprovalThreshold = %v, want 0.60", cfg.Decision.ConfidenceApprovalThreshold)
	}
	if cfg.Ingress.QueueCapacity != 1000 {
		t.Errorf("Ingress.QueueCapacity = %d, want 1000", cfg.Ingress.QueueCapacity)
	}
	if cfg.Review.TimeoutPolicy != "reject" {
		t.Errorf("Review.TimeoutPolicy = %q, want %q", cfg.Review.TimeoutPolicy, "reject")
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("Dispatch.MaxAttempts = %d, want 3", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Prompt.MaxExamples != 10 {
		t.Errorf("Prompt.MaxExamples = %d, want 10", cfg.Prompt.MaxExamples)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_DuplicateThresholdOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Duplicate.Threshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for threshold > 1")
	}
}

func TestValidate_ConfidenceThresholdOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Decision.ConfidenceApprovalThreshold = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative confidence threshold")
	}
}

func TestValidate_RateLimitNonPositive(t *testing.T) {
	cfg := Default()
	cfg.Ingress.RateLimitN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero rate_limit_n")
	}
}

func TestValidate_UnknownTimeoutPolicy(t *testing.T) {
	cfg := Default()
	cfg.Review.TimeoutPolicy = "maybe"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown timeout policy")
	}
}

func TestValidate_MaxAttemptsNonPositive(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_attempts")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

func TestCacheConfig_CacheTTL(t *testing.T) {
	cfg := CacheConfig{TTLMS: 5000}
	if got := cfg.CacheTTL(); got.Milliseconds() != 5000 {
		t.Errorf("CacheTTL() = %v, want 5000ms", got)
	}
}

func TestReviewConfig_Durations(t *testing.T) {
	cfg := ReviewConfig{TickSeconds: 60, MaxTTLMS: 3_600_000}
	if cfg.ReviewTick().Seconds() != 60 {
		t.Errorf("ReviewTick() = %v, want 60s", cfg.ReviewTick())
	}
	if cfg.MaxTTL().Hours() != 1 {
		t.Errorf("MaxTTL() = %v, want 1h", cfg.MaxTTL())
	}
}
