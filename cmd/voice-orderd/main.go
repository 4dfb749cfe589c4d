package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-order/pkg/config"
)

// configSource is satisfied by a static config and by *config.Watcher.
type configSource interface {
	Current() config.Config
}

type staticConfig config.Config

func (c staticConfig) Current() config.Config { return config.Config(c) }

type daemonDeps struct {
	loadConfig   func(path string, logger *slog.Logger) (configSource, error)
	newDaemon    func(ctx context.Context, src configSource, logger *slog.Logger) (*daemon, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig: loadConfig,
		newDaemon:  newDaemon,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// loadConfig reads the environment, or a watched file layered under the
// environment when path is set.
func loadConfig(path string, logger *slog.Logger) (configSource, error) {
	if path == "" {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
		return staticConfig(cfg), nil
	}
	return config.Watch(path, logger)
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func runDaemon(ctx context.Context, configPath string, stderr io.Writer, deps daemonDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newDaemon == nil {
		return errors.New("missing newDaemon dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	bootLogger := slog.New(slog.NewTextHandler(stderr, nil))
	src, err := deps.loadConfig(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := src.Current()
	logger := newLogger(stderr, cfg.LogFormat, cfg.LogLevel)

	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	d, err := deps.newDaemon(baseCtx, src, logger)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	defer d.Close()

	httpSrv := buildHTTPServer(cfg, d.Handler())
	logger.Info("starting voice-orderd",
		"addr", cfg.Addr,
		"transport", string(cfg.Transport),
		"catalog", string(cfg.CatalogSource),
		"snapshots", d.snapshotKind,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Sessions drain first so devices get their warning while the HTTP
	// server is still accepting event and audio streams.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !d.orch.Shutdown(waitCtx) {
		logger.Warn("sessions did not finish within grace period", "sessions", d.orch.Count())
		cancelSessions()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice-orderd stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	fs := flag.NewFlagSet("voice-orderd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("VOICE_ORDER_CONFIG_FILE"), "optional YAML/TOML/JSON config file, watched for changes")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before configuration when present")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := loadDotenv(*envFile); err != nil {
		fmt.Fprintf(stderr, "voice-orderd: %v\n", err)
		return 1
	}

	if err := runDaemon(ctx, *configPath, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "voice-orderd: %v\n", err)
		return 1
	}
	return 0
}

// loadDotenv loads path without overriding variables already set. A missing
// file is not an error.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultDaemonDeps()))
}
