package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPipewatchConfigDefaults(t *testing.T) {
	cfg := LoadPipewatchConfig()
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("expected 5m token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.TokenRefreshRatio != 0.9 {
		t.Fatalf("expected refresh ratio 0.9, got %v", cfg.TokenRefreshRatio)
	}
	if cfg.ReconnectAttempts != 5 || cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 10*time.Second {
		t.Fatalf("unexpected reconnect policy %+v", cfg)
	}
	if cfg.HistorySize != 300 || cfg.PollInterval != time.Second {
		t.Fatalf("unexpected history/poll defaults %+v", cfg)
	}
	if cfg.MetricsMode != ModeWebSocket {
		t.Fatalf("expected websocket mode, got %s", cfg.MetricsMode)
	}
	if cfg.AppName != DefaultAppName {
		t.Fatalf("expected default app name, got %s", cfg.AppName)
	}
}

func TestLoadPipewatchConfigOverrides(t *testing.T) {
	t.Setenv("FAL_API_URL", "https://fal.run/alex-w67ic4anktp1/realtime-streaming-v2")
	t.Setenv("METRICS_MODE", "POLLING")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	cfg := LoadPipewatchConfig()
	if cfg.AppName != "realtime-streaming-v2" {
		t.Fatalf("unexpected app name %s", cfg.AppName)
	}
	if cfg.MetricsMode != ModePolling {
		t.Fatalf("expected polling mode, got %s", cfg.MetricsMode)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.ReconnectAttempts)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestAppNameFromURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000":              DefaultAppName,
		"https://fal.run/owner/my-app":       "my-app",
		"https://fal.run/owner/my-app/":      "my-app",
		"https://fal.run":                    DefaultAppName,
		"https://example.com/owner/whatever": DefaultAppName,
	}
	for in, want := range cases {
		if got := AppNameFromURL(in); got != want {
			t.Fatalf("AppNameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	if err := os.WriteFile(file, []byte("PIPEWATCH_TEST_A=from-file\nPIPEWATCH_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PIPEWATCH_TEST_A", "from-env")
	t.Cleanup(func() { os.Unsetenv("PIPEWATCH_TEST_B") })

	LoadDotEnv(file, filepath.Join(dir, "missing.env"))

	if got := GetString("PIPEWATCH_TEST_A", ""); got != "from-env" {
		t.Fatalf("expected env to win, got %s", got)
	}
	if got := GetString("PIPEWATCH_TEST_B", ""); got != "from-file" {
		t.Fatalf("expected file value, got %s", got)
	}
}
