package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-order/pkg/voice/session"
)

const envPrefix = "VOICE_ORDER_"

type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportGemini    TransportKind = "gemini"
)

type CatalogSource string

const (
	CatalogYAML     CatalogSource = "yaml"
	CatalogPostgres CatalogSource = "postgres"
)

type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins []string // empty => disabled

	// Logging
	LogFormat string // json | text
	LogLevel  string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Session tuning. These are the values hot reload may change.
	Timeouts      session.Timeouts
	SoftTimeouts  session.SoftTimeoutPolicy
	SubmitTimeout time.Duration
	Instructions  string

	// Credential refresh and reconnect.
	RefreshThreshold    time.Duration
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration

	// Audio
	SampleRateHz       int
	FrameDuration      time.Duration
	MaxFramesPerSecond int

	// Collaborators
	BrokerURL   string
	DevToken    string // StaticBroker token when BrokerURL is empty
	Transport   TransportKind
	RemoteURL   string
	GeminiModel string

	CatalogSource CatalogSource
	CatalogPath   string
	PostgresDSN   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SnapshotTTL   time.Duration

	TaxRateBasisPoints int64
}

// source resolves a lower-case key such as "connect_timeout".
type source func(key string) string

func envSource(key string) string {
	return os.Getenv(envVar(key))
}

func envVar(key string) string {
	return envPrefix + strings.ToUpper(key)
}

func LoadFromEnv() (Config, error) {
	return build(envSource)
}

func build(src source) (Config, error) {
	d := session.DefaultTimeouts()
	cfg := Config{
		Addr:                src.or("addr", ":8080"),
		CORSAllowedOrigins:  splitCSV(src("cors_origins")),
		LogFormat:           strings.ToLower(src.or("log_format", "json")),
		LogLevel:            strings.ToLower(src.or("log_level", "info")),
		ReadHeaderTimeout:   src.durationOr("read_header_timeout", 10*time.Second),
		ShutdownGracePeriod: src.durationOr("shutdown_grace_period", 30*time.Second),
		Timeouts: session.Timeouts{
			Connect:        src.durationOr("connect_timeout", d.Connect),
			SessionCreated: src.durationOr("session_created_timeout", d.SessionCreated),
			SessionReady:   src.durationOr("session_ready_timeout", d.SessionReady),
			Commit:         src.durationOr("commit_timeout", d.Commit),
			Transcript:     src.durationOr("transcript_timeout", d.Transcript),
			Response:       src.durationOr("response_timeout", d.Response),
			Disconnect:     src.durationOr("disconnect_timeout", d.Disconnect),
		},
		SubmitTimeout:       src.durationOr("submit_timeout", 10*time.Second),
		Instructions:        src.or("instructions", defaultInstructions),
		RefreshThreshold:    src.durationOr("refresh_threshold", 20*time.Second),
		ReconnectInitial:    src.durationOr("reconnect_initial_interval", 250*time.Millisecond),
		ReconnectMax:        src.durationOr("reconnect_max_interval", 2*time.Second),
		ReconnectMaxElapsed: src.durationOr("reconnect_max_elapsed", 5*time.Second),
		SampleRateHz:        src.intOr("sample_rate_hz", 24000),
		FrameDuration:       src.durationOr("frame_duration", 20*time.Millisecond),
		MaxFramesPerSecond:  src.intOr("max_frames_per_second", 0),
		BrokerURL:           src.or("broker_url", ""),
		DevToken:            src.or("dev_token", ""),
		Transport:           TransportKind(strings.ToLower(src.or("transport", string(TransportWebSocket)))),
		RemoteURL:           src.or("remote_url", ""),
		GeminiModel:         src.or("gemini_model", ""),
		CatalogSource:       CatalogSource(strings.ToLower(src.or("catalog_source", string(CatalogYAML)))),
		CatalogPath:         src.or("catalog_path", "menu.yaml"),
		PostgresDSN:         src.or("postgres_dsn", ""),
		RedisAddr:           src.or("redis_addr", ""),
		RedisPassword:       src.or("redis_password", ""),
		RedisDB:             src.intOr("redis_db", 0),
		SnapshotTTL:         src.durationOr("snapshot_ttl", 30*time.Minute),
		TaxRateBasisPoints:  src.int64Or("tax_rate_bps", 825),
	}

	policy, err := session.ParseSoftTimeoutPolicy(src("soft_timeout_policy"))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVar("soft_timeout_policy"), err)
	}
	cfg.SoftTimeouts = policy

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const defaultInstructions = "You take food orders at a restaurant kiosk. Use the order tools for every change to the cart and read totals back from tool results."

func (cfg Config) Validate() error {
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("VOICE_ORDER_LOG_FORMAT must be one of json|text")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VOICE_ORDER_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICE_ORDER_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICE_ORDER_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	for _, t := range []struct {
		key string
		d   time.Duration
	}{
		{"connect_timeout", cfg.Timeouts.Connect},
		{"session_created_timeout", cfg.Timeouts.SessionCreated},
		{"session_ready_timeout", cfg.Timeouts.SessionReady},
		{"commit_timeout", cfg.Timeouts.Commit},
		{"transcript_timeout", cfg.Timeouts.Transcript},
		{"response_timeout", cfg.Timeouts.Response},
		{"disconnect_timeout", cfg.Timeouts.Disconnect},
		{"submit_timeout", cfg.SubmitTimeout},
		{"refresh_threshold", cfg.RefreshThreshold},
		{"reconnect_initial_interval", cfg.ReconnectInitial},
		{"reconnect_max_interval", cfg.ReconnectMax},
		{"reconnect_max_elapsed", cfg.ReconnectMaxElapsed},
		{"frame_duration", cfg.FrameDuration},
		{"snapshot_ttl", cfg.SnapshotTTL},
	} {
		if t.d <= 0 {
			return fmt.Errorf("%s must be > 0", envVar(t.key))
		}
	}
	if cfg.ReconnectInitial > cfg.ReconnectMax {
		return fmt.Errorf("VOICE_ORDER_RECONNECT_INITIAL_INTERVAL must be <= VOICE_ORDER_RECONNECT_MAX_INTERVAL")
	}

	if cfg.SampleRateHz <= 0 {
		return fmt.Errorf("VOICE_ORDER_SAMPLE_RATE_HZ must be > 0")
	}
	if cfg.MaxFramesPerSecond < 0 {
		return fmt.Errorf("VOICE_ORDER_MAX_FRAMES_PER_SECOND must be >= 0")
	}

	if strings.TrimSpace(cfg.BrokerURL) == "" && strings.TrimSpace(cfg.DevToken) == "" {
		return fmt.Errorf("VOICE_ORDER_BROKER_URL must be set (or VOICE_ORDER_DEV_TOKEN for development)")
	}

	switch cfg.Transport {
	case TransportWebSocket:
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return fmt.Errorf("VOICE_ORDER_REMOTE_URL must be set when VOICE_ORDER_TRANSPORT=websocket")
		}
	case TransportGemini:
	default:
		return fmt.Errorf("VOICE_ORDER_TRANSPORT must be one of websocket|gemini")
	}

	switch cfg.CatalogSource {
	case CatalogYAML:
		if strings.TrimSpace(cfg.CatalogPath) == "" {
			return fmt.Errorf("VOICE_ORDER_CATALOG_PATH must not be empty")
		}
	case CatalogPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return fmt.Errorf("VOICE_ORDER_POSTGRES_DSN must be set when VOICE_ORDER_CATALOG_SOURCE=postgres")
		}
	default:
		return fmt.Errorf("VOICE_ORDER_CATALOG_SOURCE must be one of yaml|postgres")
	}

	if cfg.RedisDB < 0 {
		return fmt.Errorf("VOICE_ORDER_REDIS_DB must be >= 0")
	}
	if cfg.TaxRateBasisPoints < 0 || cfg.TaxRateBasisPoints > 10000 {
		return fmt.Errorf("VOICE_ORDER_TAX_RATE_BPS must be within 0..10000")
	}
	return nil
}

func (s source) or(key, def string) string {
	v := strings.TrimSpace(s(key))
	if v == "" {
		return def
	}
	return v
}

func (s source) int64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) intOr(key string, def int) int {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) durationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(s(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
