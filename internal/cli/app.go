package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/envsync/internal/alert"
	"github.com/roach88/envsync/internal/chain"
	"github.com/roach88/envsync/internal/config"
	"github.com/roach88/envsync/internal/discovery"
	"github.com/roach88/envsync/internal/lock"
	"github.com/roach88/envsync/internal/masking"
	"github.com/roach88/envsync/internal/metrics"
	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform"
	"github.com/roach88/envsync/internal/platform/postgres"
	"github.com/roach88/envsync/internal/platform/sqlite"
	"github.com/roach88/envsync/internal/refresh"
	"github.com/roach88/envsync/internal/registry"
	"github.com/roach88/envsync/internal/retention"
	"github.com/roach88/envsync/internal/store"
)

// app is every component a command may need, wired from one config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	platform  platform.Platform
	store     *store.Store
	registry  *registry.Registry
	scheme    *naming.Scheme
	locker    lock.Locker
	alerts    alert.Sink
	metrics   *metrics.Metrics
	refresh   *refresh.Machine
	discovery *discovery.Discoverer
	masking   *masking.Engine
	retention *retention.Manager

	closers []func() error
}

// openApp connects the platform, store, and lock backend named by cfg.
// The caller must Close the app.
// lockLost raises a critical alert: another instance may now operate on key
// while this one still runs.
func (a *app) lockLost(key string) {
	if a.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.alerts.Emit(ctx, alert.Event{
		Severity: alert.SeverityCritical,
		Subject:  "environment lock lost",
		Body:     fmt.Sprintf("lock %q expired while held; another instance may be operating on it", key),
		Target:   key,
		At:       time.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("emit alert failed", "event", "alert_failed", "error", err)
	}
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.scheme, err = cfg.Scheme(); err != nil {
		return nil, err
	}

	switch cfg.Platform.Driver {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Platform.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connect platform: %w", err)
		}
		a.platform = pg
	default:
		lite, err := sqlite.New(cfg.Platform.Root, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open platform: %w", err)
		}
		a.platform = lite
	}
	a.closers = append(a.closers, a.platform.Close)

	if dir := filepath.Dir(cfg.StorePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	if a.store, err = store.Open(ctx, cfg.StorePath, store.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	a.registry = registry.New(a.store, registry.WithLogger(logger))

	switch cfg.Lock.Driver {
	case "redis":
		r, err := lock.DialRedis(ctx, cfg.Lock.Addr, cfg.Lock.Password, cfg.Lock.DB,
			lock.WithTTL(cfg.Lock.TTL), lock.WithLogger(logger), lock.WithOnLost(a.lockLost))
		if err != nil {
			return nil, fmt.Errorf("connect lock backend: %w", err)
		}
		a.locker = r
		a.closers = append(a.closers, r.Close)
	default:
		a.locker = lock.NewLocal()
	}

	sinks := alert.Multi{alert.LogSink{Logger: logger}}
	if cfg.AlertsJSONL != "" {
		jsonl, err := alert.NewJSONLSink(cfg.AlertsJSONL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, jsonl)
		a.closers = append(a.closers, jsonl.Close)
	}
	a.alerts = sinks

	a.metrics = metrics.New(prometheus.NewRegistry())

	a.refresh = refresh.New(a.platform, a.scheme, a.locker,
		refresh.WithThreshold(cfg.Threshold),
		refresh.WithTimeouts(refresh.Timeouts(cfg.Timeouts)),
		refresh.WithRecorder(a.registry),
		refresh.WithHistory(a.store),
		refresh.WithAlerts(a.alerts),
		refresh.WithMetrics(a.metrics),
		refresh.WithLogger(logger),
	)
	a.discovery = discovery.New(a.platform,
		discovery.WithMarkers(cfg.Markers...),
		discovery.WithExcludedSchemas(cfg.ExcludedSchemas...),
		discovery.WithLogger(logger),
	)
	if a.masking, err = masking.New(a.platform, cfg.Mask,
		masking.WithLocker(a.locker),
		masking.WithMetrics(a.metrics),
		masking.WithLogger(logger),
	); err != nil {
		return nil, err
	}
	a.retention = retention.New(a.platform, a.scheme,
		retention.WithLocker(a.locker),
		retention.WithRecorder(a.registry),
		retention.WithMetrics(a.metrics),
		retention.WithLogger(logger),
	)
	return a, nil
}

// sync reconciles the registry with the platform. Failures are logged; the
// registry is bookkeeping and never blocks a run.
func (a *app) sync(ctx context.Context) {
	report, err := a.registry.Sync(ctx, a.platform, a.scheme, a.cfg.Source, a.cfg.Target)
	if err != nil {
		a.logger.Warn("registry sync failed", "event", "registry_sync_failed", "error", err)
		return
	}
	if len(report.Registered) > 0 || len(report.Retired) > 0 {
		a.logger.Info("registry synced", "event", "registry_synced",
			"registered", report.Registered, "retired", report.Retired)
	}
}

// graph builds the refresh, mask, retain chain.
func (a *app) graph() (*chain.Graph, error) {
	return chain.Standard{
		Source:     a.cfg.Source,
		Target:     a.cfg.Target,
		Refresh:    a.refresh,
		Discoverer: a.discovery,
		Masking:    a.masking,
		Retention:  a.retention,
		Keep:       a.cfg.BackupsToKeep,
		DryRun:     a.cfg.DryRun,
		Logger:     a.logger,
	}.Graph()
}

// scheduler builds a chain scheduler on the configured schedule.
func (a *app) scheduler() (*chain.Scheduler, error) {
	g, err := a.graph()
	if err != nil {
		return nil, err
	}
	return chain.NewScheduler(g,
		chain.WithSchedule(a.cfg.Schedule),
		chain.WithHistory(a.store),
		chain.WithAlerts(a.alerts),
		chain.WithMetrics(a.metrics),
		chain.WithLogger(a.logger),
		chain.WithSuspended(a.cfg.Suspended...),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp loads config, opens the app, runs fn, and closes the app.
func (o *RootOptions) withApp(ctx context.Context, overrides config.Overrides, fn func(*app) error) error {
	cfg, err := o.loadConfig(overrides)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, o.log())
	if err != nil {
		return WrapExitError(ExitCommandError, "initialise", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			o.log().Error("close resources", "error", closeErr)
		}
	}()
	return fn(a)
}
