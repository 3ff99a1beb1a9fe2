package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scalab/tracecap/internal/capture"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCaptureConfigPartial(t *testing.T) {
	path := writeConfig(t, `{"completion_timeout": "250ms", "max_attempts": 5}`)

	cfg, err := LoadCaptureConfig(path)
	if err != nil {
		t.Fatalf("LoadCaptureConfig: %v", err)
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if resolved.CompletionTimeout != 250*time.Millisecond {
		t.Errorf("CompletionTimeout = %v, want 250ms", resolved.CompletionTimeout)
	}
	if resolved.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", resolved.MaxAttempts)
	}
	// Unset fields keep their defaults.
	def := capture.DefaultConfig()
	if resolved.PollInterval != def.PollInterval {
		t.Errorf("PollInterval = %v, want default %v", resolved.PollInterval, def.PollInterval)
	}
	if resolved.RetryPolicy != def.RetryPolicy {
		t.Errorf("RetryPolicy = %v, want default %v", resolved.RetryPolicy, def.RetryPolicy)
	}
}

func TestLoadCaptureConfigRetryPolicy(t *testing.T) {
	path := writeConfig(t, `{"retry_policy": "regenerate"}`)
	cfg, err := LoadCaptureConfig(path)
	if err != nil {
		t.Fatalf("LoadCaptureConfig: %v", err)
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.RetryPolicy != capture.RetryRegenerate {
		t.Errorf("RetryPolicy = %v, want regenerate", resolved.RetryPolicy)
	}
}

func TestLoadCaptureConfigRejectsBadValues(t *testing.T) {
	cases := []string{
		`{"retry_policy": "sometimes"}`,
		`{"max_attempts": 0}`,
		`{"poll_interval": "fast"}`,
		`{"completion_timeout": "-1s"}`,
		`not json`,
	}
	for _, contents := range cases {
		path := writeConfig(t, contents)
		if _, err := LoadCaptureConfig(path); err == nil {
			t.Errorf("config %q loaded without error", contents)
		}
	}
}

func TestLoadCaptureConfigRequiresJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	os.WriteFile(path, []byte("{}"), 0o644)
	if _, err := LoadCaptureConfig(path); err == nil {
		t.Error("non-.json path loaded without error")
	}
}

func TestGetStoreBatchSize(t *testing.T) {
	cfg := EmptyCaptureConfig()
	if got := cfg.GetStoreBatchSize(); got != DefaultStoreBatchSize {
		t.Errorf("default batch size = %d, want %d", got, DefaultStoreBatchSize)
	}
	n := 16
	cfg.StoreBatchSize = &n
	if got := cfg.GetStoreBatchSize(); got != 16 {
		t.Errorf("batch size = %d, want 16", got)
	}
}
