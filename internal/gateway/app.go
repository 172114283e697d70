// Package gateway assembles the polling service from configuration and runs it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scada-gateway/internal/collector"
	"scada-gateway/internal/config"
	"scada-gateway/internal/db"
	"scada-gateway/internal/logging"
	"scada-gateway/internal/metrics"
	"scada-gateway/internal/publish"
	"scada-gateway/internal/registry"
	"scada-gateway/internal/rollup"
	"scada-gateway/internal/sink"
	"scada-gateway/internal/status"
	"scada-gateway/internal/supabase"
)

// Store is everything the gateway needs from a persistence backend.
// *db.DB and *supabase.Client both satisfy it.
type Store interface {
	registry.Source
	sink.Backend
	rollup.Store
	status.HealthSource
	Close() error
}

// OpenStore connects to the backend selected by the storage settings.
func OpenStore(cfg config.StorageConfig) (Store, error) {
	switch backend := cfg.Backend(); backend {
	case config.BackendSupabase:
		return supabase.New(cfg.SupabaseURL, cfg.SupabaseKey)
	case config.BackendPostgres, config.BackendSQLite:
		return db.Open(db.Options{Driver: backend, DSN: cfg.DSN(), Migrate: cfg.ShouldMigrate()})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", backend)
	}
}

// App holds the wired components. Build it with New and release it with Close.
type App struct {
	Config   config.Config
	Log      logrus.FieldLogger
	Store    Store
	Metrics  *metrics.Metrics
	Registry *registry.Registry
	Client   *collector.Client
	Sink     *sink.Sink
	Engine   *collector.Engine
	Rollups  *rollup.Scheduler
	Latest   *status.Latest

	gatherer  prometheus.Gatherer
	publisher *publish.Publisher
}

// Endpoint converts the Modbus settings into a client endpoint.
func Endpoint(m config.ModbusConfig) collector.Endpoint {
	protocol := strings.ToLower(m.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}
	return collector.Endpoint{
		Protocol:   protocol,
		Host:       m.Host,
		Port:       m.Port,
		SlaveID:    uint8(m.SlaveID),
		Timeout:    m.Timeout,
		SerialPort: m.SerialPort,
		BaudRate:   m.BaudRate,
		DataBits:   m.DataBits,
		StopBits:   m.StopBits,
		Parity:     m.Parity,
	}
}

// New opens the backend and wires every component. Nothing talks to the
// field device until Start.
func New(cfg config.Config, log logrus.FieldLogger) (*App, error) {
	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return newApp(cfg, log, store)
}

func newApp(cfg config.Config, log logrus.FieldLogger, store Store) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	loc := cfg.Location()

	a := &App{
		Config:   cfg,
		Log:      log,
		Store:    store,
		Metrics:  m,
		gatherer: reg,
	}
	a.Registry = registry.New(store, logging.Component(log, "registry"),
		registry.WithReloadInterval(cfg.Polling.TagReloadInterval),
		registry.WithMetrics(m),
	)
	a.Client = collector.NewClient(logging.Component(log, "modbus"), cfg.Modbus.ReconnectBackoff)
	a.Sink = sink.New(store, logging.Component(log, "sink"),
		sink.WithLocation(loc),
		sink.WithArchive(cfg.Storage.Archive()),
		sink.WithMetrics(m),
	)

	a.Latest = status.NewLatest(status.DefaultLatestTTL, nil)
	engineOpts := []collector.EngineOption{collector.WithEngineMetrics(m), collector.WithPublisher(a.Latest)}
	if cfg.NATS.URL != "" {
		p, err := publish.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logging.Component(log, "nats"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.publisher = p
		engineOpts = append(engineOpts, collector.WithPublisher(p))
	}
	a.Engine = collector.NewEngine(collector.EngineConfig{
		ConnectionName:     cfg.Modbus.ConnectionName,
		Endpoint:           Endpoint(cfg.Modbus),
		Interval:           cfg.Polling.Interval,
		ReconnectThreshold: cfg.Polling.ReconnectThreshold,
	}, a.Client, a.Registry, a.Sink, logging.Component(log, "engine"), engineOpts...)

	a.Rollups = rollup.NewScheduler(store, logging.Component(log, "rollup"),
		rollup.WithLocation(loc),
		rollup.WithMetrics(m),
	)
	return a, nil
}

// Start loads the tag set, connects to the device and records the initial
// health. Only a failed connect is fatal.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Registry.Load(ctx)
	if err != nil {
		a.Log.WithError(err).Warn("initial tag load failed, polling will retry")
	} else {
		a.Log.WithField("tags", n).Info("tag mappings loaded")
	}

	ep := Endpoint(a.Config.Modbus)
	tries := uint(a.Config.Modbus.ConnectRetries) + 1
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := a.Client.Connect(ctx, ep); err != nil {
			a.Log.WithError(err).Warn("modbus connect attempt failed")
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(a.Config.Modbus.ReconnectBackoff)),
		backoff.WithMaxTries(tries),
	)
	a.Engine.RecordStartup(ctx, err == nil, err)
	if err != nil {
		return fmt.Errorf("connect %s: %w", ep.Address(), err)
	}
	return nil
}

// Run starts the app and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(gctx) })
	if a.Config.Storage.Archive() {
		g.Go(func() error { return a.Rollups.Run(gctx) })
	}
	if addr := a.Config.Status.Addr; addr != "" {
		srv := status.NewServer(addr, a.StatusHandler(), logging.Component(a.Log, "status"))
		g.Go(func() error { return srv.Run(gctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// StatusHandler returns the HTTP router for the status endpoints.
func (a *App) StatusHandler() http.Handler {
	return status.NewRouter(status.Deps{
		ConnectionName: a.Config.Modbus.ConnectionName,
		Engine:         a.Engine,
		Tags:           a.Registry,
		Health:         a.Store,
		Latest:         a.Latest,
		Gatherer:       a.gatherer,
		Log:            a.Log,
	})
}

// Close releases the device connection, the publisher and the backend.
func (a *App) Close() error {
	a.Client.Disconnect()
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
