package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-order/pkg/catalog"
	"github.com/vango-go/vai-order/pkg/config"
	"github.com/vango-go/vai-order/pkg/httpapi"
	"github.com/vango-go/vai-order/pkg/lifecycle"
	"github.com/vango-go/vai-order/pkg/metrics"
	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/orchestrator"
	"github.com/vango-go/vai-order/pkg/ordersubmit"
	"github.com/vango-go/vai-order/pkg/pricing"
	"github.com/vango-go/vai-order/pkg/uistream"
	"github.com/vango-go/vai-order/pkg/voice/audio"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/refresh"
	"github.com/vango-go/vai-order/pkg/voice/snapshot"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
	"github.com/vango-go/vai-order/pkg/voice/transport"
	"github.com/vango-go/vai-order/pkg/voice/transport/gemini"
	"github.com/vango-go/vai-order/pkg/voice/transport/wstransport"
)

const dialTimeout = 10 * time.Second

// daemon owns the wired collaborators of one voice-orderd process.
type daemon struct {
	orch         *orchestrator.Orchestrator
	api          *httpapi.Server
	snapshotKind string
	closers      []func()
}

func (d *daemon) Handler() http.Handler { return d.api.Handler() }

// Close releases pools and clients in reverse order of creation.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func newDaemon(ctx context.Context, src configSource, logger *slog.Logger) (_ *daemon, err error) {
	cfg := src.Current()
	d := &daemon{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	m := metrics.New("")
	life := &lifecycle.Lifecycle{}
	hub := uistream.NewHub(uistream.Config{
		AllowOrigin: originChecker(cfg.CORSAllowedOrigins),
		Logger:      logger.With("component", "uistream"),
	})

	broker := newBroker(cfg)
	negotiator, err := newNegotiator(cfg, logger)
	if err != nil {
		return nil, err
	}

	menu, submitter, err := d.newStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	snaps, err := d.newSnapshots(ctx, cfg)
	if err != nil {
		return nil, err
	}

	refresher, err := refresh.New(refresh.Config{
		Broker:     broker,
		Negotiator: negotiator,
		Threshold:  cfg.RefreshThreshold,
		Backoff: refresh.BackoffConfig{
			InitialInterval: cfg.ReconnectInitial,
			MaxInterval:     cfg.ReconnectMax,
			MaxElapsed:      cfg.ReconnectMaxElapsed,
		},
		Observer: m,
		Logger:   logger.With("component", "refresh"),
	})
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	d.orch, err = orchestrator.New(ctx, orchestrator.Config{
		Broker:     broker,
		Negotiator: negotiator,
		Catalog:    menu,
		Pricing:    pricing.Engine{TaxRateBasisPoints: cfg.TaxRateBasisPoints},
		Submitter:  m.InstrumentSubmitter(submitter),
		Snapshots:  snaps,
		Sink:       hub,
		Warn:       hub.Warn,
		Observer:   m,
		Refresh:    refresher,
		Lifecycle:  life,
		Audio: audio.Config{
			SampleRateHz:       cfg.SampleRateHz,
			FrameDuration:      cfg.FrameDuration,
			MaxFramesPerSecond: cfg.MaxFramesPerSecond,
		},
		Tuning: func() orchestrator.Tuning { return tuningFrom(src.Current()) },
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	m.TrackActive("", d.orch.Count)

	d.api = httpapi.New(httpapi.Deps{
		Orchestrator:       d.orch,
		Hub:                hub,
		Lifecycle:          life,
		Metrics:            m.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger.With("component", "http"),
	})
	return d, nil
}

func tuningFrom(cfg config.Config) orchestrator.Tuning {
	return orchestrator.Tuning{
		Timeouts:      cfg.Timeouts,
		SoftTimeouts:  cfg.SoftTimeouts,
		SubmitTimeout: cfg.SubmitTimeout,
		Instructions:  cfg.Instructions,
	}
}

func newBroker(cfg config.Config) credential.Broker {
	if cfg.BrokerURL != "" {
		return &credential.HTTPBroker{
			URL:        cfg.BrokerURL,
			HTTPClient: &http.Client{Timeout: dialTimeout},
		}
	}
	return &credential.StaticBroker{Token: cfg.DevToken}
}

func newNegotiator(cfg config.Config, logger *slog.Logger) (transport.Negotiator, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return &wstransport.Negotiator{
			URL:    cfg.RemoteURL,
			Logger: logger.With("component", "wstransport"),
		}, nil
	case config.TransportGemini:
		model := cfg.GeminiModel
		if model == "" {
			model = gemini.DefaultModel
		}
		return &gemini.Negotiator{
			Model:        model,
			Instructions: cfg.Instructions,
			SampleRateHz: cfg.SampleRateHz,
			Tools:        protocol.ToolDeclarations(),
			Logger:       logger.With("component", "gemini"),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// newStorage resolves the catalog and the order submitter. Orders go to
// Postgres whenever a DSN is configured, independent of the catalog source.
func (d *daemon) newStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (order.Catalog, toolcall.Submitter, error) {
	var (
		menu      order.Catalog
		submitter toolcall.Submitter = logSubmitter(logger)
	)

	if cfg.PostgresDSN != "" {
		if err := ordersubmit.Migrate(ctx, cfg.PostgresDSN); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		pool, err := catalog.OpenPool(dialCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, nil, err
		}
		d.closers = append(d.closers, pool.Close)
		submitter = ordersubmit.NewPostgres(pool, logger.With("component", "ordersubmit"))
		if cfg.CatalogSource == config.CatalogPostgres {
			menu = catalog.NewPostgres(pool, 0)
		}
	}

	if menu == nil {
		static, err := catalog.LoadYAMLFile(cfg.CatalogPath)
		if err != nil {
			return nil, nil, err
		}
		menu = static
	}
	return menu, submitter, nil
}

func (d *daemon) newSnapshots(ctx context.Context, cfg config.Config) (snapshot.Store, error) {
	if cfg.RedisAddr == "" {
		d.snapshotKind = "memory"
		return snapshot.NewMemory(cfg.SnapshotTTL), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	rdb, err := snapshot.DialRedis(dialCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = rdb.Close() })
	d.snapshotKind = "redis"
	return snapshot.NewRedis(rdb, "", cfg.SnapshotTTL), nil
}

// logSubmitter accepts every order and only logs it. It is the development
// fallback when no database is configured.
func logSubmitter(logger *slog.Logger) toolcall.Submitter {
	return toolcall.SubmitterFunc(func(_ context.Context, sub toolcall.Submission) (string, error) {
		id := "ord_" + uuid.NewString()
		logger.Info("order accepted (not persisted)",
			"order_id", id,
			"session_id", sub.SessionID,
			"items", len(sub.Items),
			"total_minor", int64(sub.Totals.Total),
		)
		return id, nil
	})
}

// originChecker allows same-host requests and the configured CORS origins.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
