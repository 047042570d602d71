package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "half")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvSplitRotationKeys(t *testing.T) {
	t.Setenv("TEST_KEYS", "new-key::old-key")
	got := envSplit("TEST_KEYS", "::")
	if len(got) != 2 || got[0] != "new-key" || got[1] != "old-key" {
		t.Fatalf("unexpected keys: %v", got)
	}
}

func TestParseTargets(t *testing.T) {
	targets, err := ParseTargets("gpt-4o::https://a.openai.azure.com::k1, gpt-4o-mini::::k2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if targets[0].Endpoint != "https://a.openai.azure.com" || targets[1].Endpoint != "" {
		t.Fatalf("unexpected endpoints: %+v", targets)
	}
}

func TestParseTargetsRedactsKeyOnError(t *testing.T) {
	_, err := ParseTargets("gpt-4o::secret")
	if err == nil {
		t.Fatal("expected error for malformed target")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks key material: %s", err)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("MAMORI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid MAMORI_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "MAMORI_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention MAMORI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MAMORI_PORT", "abc")
	t.Setenv("MAMORI_CACHE_TTL", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "MAMORI_PORT") || !strings.Contains(got, "MAMORI_CACHE_TTL") {
		t.Fatalf("error should mention both variables, got: %s", got)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("MAMORI_LLM_PROVIDER", "bedrock")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to reject unknown provider")
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8435 {
		t.Fatalf("expected default port 8435, got %d", cfg.Port)
	}
	if cfg.MaxAPIKeys != 100 {
		t.Fatalf("expected default max keys 100, got %d", cfg.MaxAPIKeys)
	}
	if cfg.PIIThreshold != 0.5 {
		t.Fatalf("expected default PII threshold 0.5, got %v", cfg.PIIThreshold)
	}
	if cfg.CostRefreshSchedule != "@every 8h" {
		t.Fatalf("unexpected cost schedule %q", cfg.CostRefreshSchedule)
	}
}
