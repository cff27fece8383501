package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/api"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/config"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/gateway"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/notify"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/observability"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/pdp"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/store"
)

// app is the fully wired server.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *store.SQLStore
	engine     *pdp.Client
	dispatcher *notify.Dispatcher
	metrics    *observability.Metrics
	limiter    *api.RateLimiter
	gateway    *gateway.Service
	server     *api.Server

	closers []func(context.Context) error
}

// openStore connects, migrates and applies the configured seeds.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*store.SQLStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("DATABASE_URL not set, using embedded SQLite", "data_dir", cfg.DataDir)
	}
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(cfg.Applications) > 0 {
		if err := registry.Apply(ctx, st.Registry(), cfg.Applications); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed applications: %w", err)
		}
		log.Info("applications seeded", "count", len(cfg.Applications), "source", cfg.Source)
	}
	return st, nil
}

// buildNotifier fans out to every configured sink. The log sink is always on.
func buildNotifier(ctx context.Context, cfg config.NotifyConfig, log *slog.Logger) (notify.Notifier, []func(context.Context) error) {
	sinks := notify.Multi{notify.NewLogNotifier(log.With("component", "notify"))}
	var closers []func(context.Context) error
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookHeaders))
		log.Info("webhook notifications enabled")
	}
	if cfg.RedisAddr != "" {
		rn := notify.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.RedisChannel)
		if err := rn.Ping(ctx); err != nil {
			log.Warn("redis not reachable at startup, publishing will retry per notification", "addr", cfg.RedisAddr, "error", err)
		}
		sinks = append(sinks, rn)
		closers = append(closers, func(context.Context) error { return rn.Close() })
		log.Info("redis notifications enabled", "channel", cfg.RedisChannel)
	}
	return sinks, closers
}

func breakerGauge(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// buildApp wires every component. Close releases them in reverse order.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "compliance-gateway",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	a.metrics = observability.NewMetrics()
	a.engine = pdp.NewClient(pdp.Config{
		BaseURL: cfg.PolicyEngine.URL,
		Timeout: cfg.PolicyEngine.Timeout,
		Logger:  log.With("component", "pdp"),
	})

	trigger, err := notify.NewTrigger(cfg.Notify.Trigger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	sink, sinkClosers := buildNotifier(ctx, cfg.Notify, log)
	a.dispatcher = notify.NewDispatcher(sink, notify.DispatcherConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
		Logger:    log.With("component", "notify"),
		Recorder:  a.metrics,
	})
	a.closers = append(a.closers, sinkClosers...)
	a.closers = append(a.closers, a.dispatcher.Close)

	if err := errors.Join(
		a.metrics.RegisterGauge("notification_queue_depth", "Notifications waiting for a worker.",
			func() float64 { return float64(a.dispatcher.Stats().Queued) }),
		a.metrics.RegisterGauge("policy_engine_breaker_state", "Policy engine circuit breaker: 0 closed, 1 half-open, 2 open.",
			func() float64 { return breakerGauge(a.engine.BreakerState()) }),
	); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	a.gateway = gateway.New(gateway.Deps{
		Registry:      st.Registry(),
		Engine:        a.engine,
		Evaluations:   st.Evaluations(),
		Audit:         st.Audit(),
		Normalizer:    scan.NewNormalizer(cfg.Scan.ClockSkew),
		Trigger:       trigger,
		Notifier:      a.dispatcher,
		Metrics:       a.metrics,
		Logger:        log.With("component", "gateway"),
		DefaultPolicy: cfg.PolicyEngine.DefaultPackage,
		AuditAttempts: cfg.Audit.WriteAttempts,
	})

	if cfg.RateLimit.RPS > 0 {
		a.limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		lim := a.limiter
		a.closers = append(a.closers, func(context.Context) error { lim.Close(); return nil })
	}

	a.server, err = api.NewServer(api.Deps{
		Gateway:  a.gateway,
		Audit:    audit.NewQueryService(st.Audit()),
		Registry: st.Registry(),
		Metrics:  a.metrics,
		Limiter:  a.limiter,
		Logger:   log.With("component", "api"),
		Ping:     st.Ping,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close drains the dispatcher and releases resources, last opened first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
