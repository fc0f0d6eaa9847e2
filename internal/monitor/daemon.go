// Package monitor runs the iotalerts daemon. It wires the alert store, the
// MQTT connection manager, notifications and the telemetry endpoint, then
// restores the broker session and keeps it alive until shutdown.
package monitor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/iotalerts/internal/buildinfo"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
	"github.com/tphakala/iotalerts/internal/mqtt"
	"github.com/tphakala/iotalerts/internal/notification"
	"github.com/tphakala/iotalerts/internal/observability"
	"github.com/tphakala/iotalerts/internal/session"
)

const (
	telemetryFlushTimeout = 2 * time.Second
	minStartupRetry       = time.Second
)

// GetLogger returns the monitor module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("monitor")
}

// Daemon is one running instance of the alert monitor.
type Daemon struct {
	settings *conf.Settings
	build    *buildinfo.Context

	store    *datastore.Store
	brokers  *conf.FileBrokerStore
	metrics  *observability.Metrics
	manager  *mqtt.Manager
	coord    *session.Coordinator
	endpoint *observability.Endpoint
	log      logger.Logger
}

// New builds a daemon that talks to the broker through paho.
func New(settings *conf.Settings, build *buildinfo.Context) (*Daemon, error) {
	transport := mqtt.NewPahoTransport(settings.Broker.ClientID, settings.Broker.ConnectTimeout)
	return newDaemon(settings, build, transport)
}

func newDaemon(settings *conf.Settings, build *buildinfo.Context, transport mqtt.Transport) (*Daemon, error) {
	d := &Daemon{settings: settings, build: build, log: GetLogger()}

	store, err := OpenStore(settings.Database)
	if err != nil {
		return nil, err
	}
	d.store = store

	notifier, err := notification.New(settings.Notification, settings.Main.Name)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if settings.Telemetry.Enabled {
		if d.metrics, err = observability.NewMetrics(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	d.brokers = conf.NewFileBrokerStore(conf.ResolvePath(settings.State.Path))

	deps := mqtt.Dependencies{
		Transport: transport,
		Ledger:    store,
		Store:     store,
		Notifier:  notifier,
		History:   d.brokers,
	}
	if d.metrics != nil {
		deps.Metrics = d.metrics.MQTT
	}
	d.manager, err = mqtt.NewManager(deps, managerConfig(settings.Broker))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	d.coord = session.New(d.manager, store, store, d.brokers, byte(settings.Broker.QoS))

	if settings.Telemetry.Enabled {
		d.endpoint = observability.NewEndpoint(settings.Telemetry.Listen, build.GetVersion(), d.metrics, d.coord, store)
	}
	return d, nil
}

// OpenStore opens the configured alert store. Relative sqlite paths are
// resolved against the config directory.
func OpenStore(settings conf.DatabaseSettings) (*datastore.Store, error) {
	if settings.Type == "" || settings.Type == "sqlite" {
		settings.Path = conf.ResolvePath(settings.Path)
		checkDiskSpace(settings.Path)
	}
	return datastore.Open(settings)
}

func managerConfig(b conf.BrokerSettings) mqtt.Config {
	return mqtt.Config{
		QoS:               byte(b.QoS),
		ReconnectInterval: b.ReconnectInterval,
		QueueSize:         b.QueueSize,
		StoreRetries:      b.StoreRetries,
	}
}

// Coordinator returns the session coordinator driving the manager.
func (d *Daemon) Coordinator() *session.Coordinator {
	return d.coord
}

// Run restores the broker session and serves until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting alert monitor",
		logger.String("instance", d.settings.Main.Name),
		logger.String("version", d.build.GetVersion()),
		logger.Bool("telemetry", d.endpoint != nil))
	logSystemDetails(d.log)

	removePhase := d.coord.AddPhaseListener(func(s mqtt.State) {
		d.log.Debug("connectivity phase changed", logger.String("phase", s.String()))
	})
	defer removePhase()

	g, gctx := errgroup.WithContext(ctx)
	if d.endpoint != nil {
		g.Go(func() error { return d.endpoint.Run(gctx) })
	}
	g.Go(func() error {
		d.logOutcomes(gctx)
		return nil
	})
	g.Go(func() error {
		d.startSession(gctx)
		return nil
	})
	return g.Wait()
}

// Close stops the manager and closes the alert store. The topic ledger is
// kept so the next run can resume.
func (d *Daemon) Close() error {
	var errs []error
	if err := d.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// startSession resumes the saved broker, or connects to the configured one,
// retrying until ctx is done. Configured topics are subscribed when the
// ledger is empty after connecting.
func (d *Daemon) startSession(ctx context.Context) {
	_, saved, err := d.brokers.Load()
	if err != nil {
		d.log.Warn("failed to read saved broker, using configured broker", logger.Error(err))
	}
	if !saved && d.settings.Broker.URI == "" {
		d.log.Info("no broker configured, waiting for shutdown")
		return
	}

	retry := max(d.settings.Broker.ReconnectInterval, minStartupRetry)
	for {
		if err = d.connect(ctx, saved); err == nil {
			break
		}
		d.log.Warn("broker connect failed, retrying",
			logger.Error(err),
			logger.Duration("retry_in", retry))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}

	topics, err := d.store.ListTopics(ctx)
	if err != nil {
		d.log.Error("failed to read topic ledger", logger.Error(err))
		return
	}
	if len(topics) > 0 {
		return
	}
	for _, topic := range d.settings.Broker.Topics {
		if err := d.coord.Subscribe(ctx, topic); err != nil && ctx.Err() == nil {
			d.log.Warn("failed to subscribe configured topic", logger.String("topic", topic), logger.Error(err))
		}
	}
}

func (d *Daemon) connect(ctx context.Context, saved bool) error {
	if saved {
		_, err := d.coord.Resume(ctx)
		return err
	}
	b := d.settings.Broker
	return d.coord.Connect(ctx, b.URI, b.Username, b.Password)
}

func (d *Daemon) logOutcomes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-d.coord.Outcomes():
			fields := []logger.Field{logger.String("operation", o.Operation)}
			if o.Topic != "" {
				fields = append(fields, logger.String("topic", o.Topic))
			}
			if o.AlertID != 0 {
				fields = append(fields, logger.Uint64("alert_id", uint64(o.AlertID)))
			}
			if o.Err != nil {
				d.log.Warn("operation failed", append(fields, logger.Error(o.Err))...)
				continue
			}
			d.log.Info("operation completed", fields...)
		}
	}
}

// Run sets up logging and error reporting, runs the daemon until SIGINT or
// SIGTERM, and shuts it down. SIGHUP reopens the log file.
func Run(settings *conf.Settings, build *buildinfo.Context) error {
	logs, err := setupLogging(settings)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, build.GetVersion()); err != nil {
			GetLogger().Warn("error reporting disabled", logger.Error(err))
		}
		defer errors.FlushTelemetry(telemetryFlushTimeout)
	}

	d, err := New(settings, build)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go rotateOnHangup(ctx, logs)

	runErr := d.Run(ctx)
	d.log.Info("shutting down alert monitor")
	return errors.Join(runErr, d.Close())
}

func setupLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = "debug"
	}
	logs, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, errors.New(err).
			Component("monitor").
			Category(errors.CategoryConfiguration).
			Context("operation", "setup_logging").
			Build()
	}
	logger.SetGlobal(logs)
	return logs, nil
}

func rotateOnHangup(ctx context.Context, logs *logger.CentralLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logs.Rotate(); err != nil {
				GetLogger().Warn("log rotation failed", logger.Error(err))
			}
		}
	}
}
