package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-order/pkg/voice/session"
)

var envKeys = []string{
	"addr", "cors_origins", "log_format", "log_level",
	"read_header_timeout", "shutdown_grace_period",
	"connect_timeout", "session_created_timeout", "session_ready_timeout",
	"commit_timeout", "transcript_timeout", "response_timeout", "disconnect_timeout",
	"submit_timeout", "instructions", "soft_timeout_policy",
	"refresh_threshold", "reconnect_initial_interval", "reconnect_max_interval", "reconnect_max_elapsed",
	"sample_rate_hz", "frame_duration", "max_frames_per_second",
	"broker_url", "dev_token", "transport", "remote_url", "gemini_model",
	"catalog_source", "catalog_path", "postgres_dsn",
	"redis_addr", "redis_password", "redis_db", "snapshot_ttl", "tax_rate_bps",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(envVar(key), "")
	}
}

func minimalEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("VOICE_ORDER_BROKER_URL", "https://backend.example/credentials")
	t.Setenv("VOICE_ORDER_REMOTE_URL", "wss://voice.example/v1")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	minimalEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Timeouts != session.DefaultTimeouts() {
		t.Fatalf("Timeouts = %+v, want defaults", cfg.Timeouts)
	}
	if cfg.Timeouts.Connect != 15*time.Second || cfg.Timeouts.Response != 28*time.Second {
		t.Fatalf("Timeouts = %+v", cfg.Timeouts)
	}
	if cfg.SoftTimeouts != session.SoftTimeoutNotify {
		t.Fatalf("SoftTimeouts = %q, want notify", cfg.SoftTimeouts)
	}
	if cfg.SubmitTimeout != 10*time.Second {
		t.Fatalf("SubmitTimeout = %v, want 10s", cfg.SubmitTimeout)
	}
	if cfg.RefreshThreshold != 20*time.Second {
		t.Fatalf("RefreshThreshold = %v, want 20s", cfg.RefreshThreshold)
	}
	if cfg.SampleRateHz != 24000 {
		t.Fatalf("SampleRateHz = %d, want 24000", cfg.SampleRateHz)
	}
	if cfg.FrameDuration != 20*time.Millisecond {
		t.Fatalf("FrameDuration = %v, want 20ms", cfg.FrameDuration)
	}
	if cfg.Transport != TransportWebSocket {
		t.Fatalf("Transport = %q, want websocket", cfg.Transport)
	}
	if cfg.CatalogSource != CatalogYAML || cfg.CatalogPath != "menu.yaml" {
		t.Fatalf("catalog = %q %q", cfg.CatalogSource, cfg.CatalogPath)
	}
	if cfg.SnapshotTTL != 30*time.Minute {
		t.Fatalf("SnapshotTTL = %v, want 30m", cfg.SnapshotTTL)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
	if cfg.Instructions == "" {
		t.Fatalf("Instructions empty")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	minimalEnv(t)
	t.Setenv("VOICE_ORDER_ADDR", ":9090")
	t.Setenv("VOICE_ORDER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VOICE_ORDER_TRANSCRIPT_TIMEOUT", "7s")
	t.Setenv("VOICE_ORDER_SOFT_TIMEOUT_POLICY", "SILENT")
	t.Setenv("VOICE_ORDER_TAX_RATE_BPS", "1000")
	t.Setenv("VOICE_ORDER_REDIS_DB", "3")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.Timeouts.Transcript != 7*time.Second {
		t.Fatalf("Transcript = %v, want 7s", cfg.Timeouts.Transcript)
	}
	if cfg.SoftTimeouts != session.SoftTimeoutSilent {
		t.Fatalf("SoftTimeouts = %q, want silent", cfg.SoftTimeouts)
	}
	if cfg.TaxRateBasisPoints != 1000 || cfg.RedisDB != 3 {
		t.Fatalf("tax=%d redis_db=%d", cfg.TaxRateBasisPoints, cfg.RedisDB)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no broker", map[string]string{"VOICE_ORDER_BROKER_URL": ""}, "VOICE_ORDER_BROKER_URL"},
		{"dev token suffices", map[string]string{"VOICE_ORDER_BROKER_URL": "", "VOICE_ORDER_DEV_TOKEN": "dev"}, ""},
		{"websocket needs url", map[string]string{"VOICE_ORDER_REMOTE_URL": ""}, "VOICE_ORDER_REMOTE_URL"},
		{"gemini needs no url", map[string]string{"VOICE_ORDER_REMOTE_URL": "", "VOICE_ORDER_TRANSPORT": "gemini"}, ""},
		{"bad transport", map[string]string{"VOICE_ORDER_TRANSPORT": "carrier-pigeon"}, "VOICE_ORDER_TRANSPORT"},
		{"zero timeout", map[string]string{"VOICE_ORDER_COMMIT_TIMEOUT": "0s"}, "VOICE_ORDER_COMMIT_TIMEOUT"},
		{"policy", map[string]string{"VOICE_ORDER_SOFT_TIMEOUT_POLICY": "loud"}, "VOICE_ORDER_SOFT_TIMEOUT_POLICY"},
		{"postgres catalog needs dsn", map[string]string{"VOICE_ORDER_CATALOG_SOURCE": "postgres"}, "VOICE_ORDER_POSTGRES_DSN"},
		{"tax range", map[string]string{"VOICE_ORDER_TAX_RATE_BPS": "20000"}, "VOICE_ORDER_TAX_RATE_BPS"},
		{"log format", map[string]string{"VOICE_ORDER_LOG_FORMAT": "xml"}, "VOICE_ORDER_LOG_FORMAT"},
		{"backoff order", map[string]string{"VOICE_ORDER_RECONNECT_INITIAL_INTERVAL": "5s"}, "VOICE_ORDER_RECONNECT_INITIAL_INTERVAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			minimalEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("LoadFromEnv() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("LoadFromEnv() error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "voice-orderd.yaml")
	writeFile(t, path, `
broker_url: https://backend.example/credentials
remote_url: wss://voice.example/v1
response_timeout: 20s
cors_origins:
  - https://a.example
  - https://b.example
`)
	t.Setenv("VOICE_ORDER_RESPONSE_TIMEOUT", "25s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Timeouts.Response != 25*time.Second {
		t.Fatalf("Response = %v, want env override 25s", cfg.Timeouts.Response)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.Timeouts.Commit != 4*time.Second {
		t.Fatalf("Commit = %v, want default", cfg.Timeouts.Commit)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load() error = nil, want read error")
	}
}

func TestWatch_ReloadsValidChanges(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "voice-orderd.yaml")
	base := "broker_url: https://backend.example/credentials\nremote_url: wss://voice.example/v1\n"
	writeFile(t, path, base+"soft_timeout_policy: notify\n")

	w, err := Watch(path, nil)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	changed := make(chan Config, 4)
	w.OnChange(func(c Config) { changed <- c })

	// An invalid edit is ignored.
	writeFile(t, path, base+"soft_timeout_policy: loud\n")
	writeFile(t, path, base+"soft_timeout_policy: silent\ntranscript_timeout: 6s\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.SoftTimeouts != session.SoftTimeoutSilent {
				continue
			}
			if c.Timeouts.Transcript != 6*time.Second {
				continue
			}
			if got := w.Current(); got.SoftTimeouts != session.SoftTimeoutSilent {
				t.Fatalf("Current().SoftTimeouts = %q", got.SoftTimeouts)
			}
			return
		case <-deadline:
			t.Fatalf("reload not observed; current = %+v", w.Current().SoftTimeouts)
		}
	}
}
