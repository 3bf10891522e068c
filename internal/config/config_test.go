package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigSane(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.KernelStore.Backend != "memory" {
		t.Errorf("default backend = %s, want memory", cfg.KernelStore.Backend)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		t.Error("expected positive default retry attempts")
	}
	if cfg.Remote.MaxBackoff < cfg.Remote.InitialBackoff {
		t.Error("max backoff must be >= initial backoff")
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	partial := map[string]any{
		"kernel_store": map[string]any{
			"backend": "postgres",
		},
	}
	data, err := json.Marshal(partial)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.KernelStore.Backend != "postgres" {
		t.Errorf("backend = %s, want postgres", cfg.KernelStore.Backend)
	}
	if cfg.Retry.MaxAttempts != DefaultConfig().Retry.MaxAttempts {
		t.Error("unset fields should retain default values")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("OCAPKERNEL_STORE_BACKEND", "postgres")
	t.Setenv("OCAPKERNEL_RETRY_BASE_DELAY", "250ms")
	t.Setenv("OCAPKERNEL_TRACING_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.KernelStore.Backend != "postgres" {
		t.Errorf("backend = %s, want postgres", cfg.KernelStore.Backend)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("base delay = %s, want 250ms", cfg.Retry.BaseDelay)
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Error("expected tracing enabled")
	}
}
