package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads path (YAML, TOML or JSON by extension) and applies VOICE_ORDER_*
// environment overrides on top. An empty path behaves like LoadFromEnv.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return build(viperSource(v))
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(strings.TrimSuffix(envPrefix, "_"))
	v.AutomaticEnv()
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

func viperSource(v *viper.Viper) source {
	return func(key string) string {
		if key == "cors_origins" {
			if list := v.GetStringSlice(key); len(list) > 1 {
				return strings.Join(list, ",")
			}
		}
		return v.GetString(key)
	}
}

// Watcher keeps the latest valid configuration from a file. A reload that
// fails validation is logged and ignored.
type Watcher struct {
	v      *viper.Viper
	logger *slog.Logger

	mu       sync.RWMutex
	cur      Config
	onChange []func(Config)
}

func Watch(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config: watch requires a file path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := build(viperSource(v))
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, logger: logger, cur: cfg}
	v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e.Name)
	})
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) reload(name string) {
	next, err := build(viperSource(w.v))
	if err != nil {
		w.logger.Warn("config reload rejected", "file", name, "error", err)
		return
	}
	w.mu.Lock()
	w.cur = next
	hooks := append([]func(Config){}, w.onChange...)
	w.mu.Unlock()

	w.logger.Info("config reloaded", "file", name,
		"soft_timeout_policy", string(next.SoftTimeouts),
		"transcript_timeout", next.Timeouts.Transcript.String(),
		"response_timeout", next.Timeouts.Response.String())
	for _, fn := range hooks {
		fn(next)
	}
}

// Current returns the latest valid configuration. Sessions read it when they
// start, so a reload never changes a running session.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}
