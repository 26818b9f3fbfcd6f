// Package app wires the scheduler together: config, logging, store,
// handler registry, poller and the optional admin HTTP, metrics and NATS
// surfaces, all under one supervisor.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/events"
	"jobsched/internal/handler"
	"jobsched/internal/handler/builtin"
	"jobsched/internal/httpapi"
	"jobsched/internal/metrics"
	"jobsched/internal/poller"
	"jobsched/internal/pool"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type Options struct {
	// ConfigPath is watched for changes when set. Config wins over it.
	ConfigPath string
	Config     *config.Config
	// Register adds application handlers next to the builtin ones.
	Register func(r *handler.Registry, log logx.Logger) error
}

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	registry *handler.Registry
	svc      *scheduler.Service
	poller   *poller.Poller
	metrics  *metrics.Metrics
	nc       *nats.Conn
}

// New loads the config, opens the store and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	var cfgm *config.Manager
	if cfg == nil && strings.TrimSpace(opts.ConfigPath) != "" {
		cfgm = config.NewManager(opts.ConfigPath, logx.NewConsole("INFO"))
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LogOptions())
	if cfgm != nil {
		cfgm.SetLogger(log)
	}
	a := &App{cfgm: cfgm, cfg: cfg, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	sc, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a.registry = handler.NewRegistry()
	if err := builtin.Register(a.registry, log); err != nil {
		a.closeStore()
		return nil, err
	}
	if opts.Register != nil {
		if err := opts.Register(a.registry, log); err != nil {
			a.closeStore()
			return nil, errors.Wrap(err, "register handlers")
		}
	}

	workerID := strings.TrimSpace(cfg.Scheduler.WorkerID)
	if workerID == "" {
		app := strings.TrimSpace(cfg.Scheduler.App)
		if app == "" {
			app = scheduler.DefaultApp
		}
		workerID = scheduler.NewWorkerID(app, cfg.Scheduler.Instance)
	}
	a.svc, err = scheduler.New(scheduler.Deps{
		Store:    a.store,
		Settings: a.store,
		Registry: a.registry,
		Log:      log,
		Bus:      a.bus,
		WorkerID: workerID,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}

	pc, err := cfg.PollerOptions()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.poller = poller.New(pc, a.svc, log, a.bus)
	a.metrics = metrics.New(log, func() pool.Snapshot { return a.poller.Status().Pool }, a.bus)
	return a, nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Store() storage.Store          { return a.store }
func (a *App) Registry() *handler.Registry   { return a.registry }
func (a *App) Scheduler() *scheduler.Service { return a.svc }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app context ends, including on a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads tunables, recovers this worker's locks, starts polling and the
// side surfaces, then reports readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.svc.Init(runCtx); err != nil {
		return err
	}
	if err := a.poller.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if a.cfg.Events.Enabled {
		ec := a.cfg.EventsOptions(a.svc.WorkerID())
		nc, err := events.Connect(ec.URL, a.svc.WorkerID(), a.log)
		if err != nil {
			return err
		}
		a.nc = nc
		fwd := events.NewForwarder(ec, nc, a.log)
		a.sup.GoRestart("events.forward", func(c context.Context) error { return fwd.Run(c, a.bus) }, time.Second, 30*time.Second)
	}

	if a.cfg.HTTP.Enabled {
		srv := httpapi.New(httpapi.Deps{
			Store:    a.store,
			WorkerID: a.svc.WorkerID(),
			Status:   a.poller.Status,
			Metrics:  a.metrics.Handler(),
			Debug:    a.cfg.DebugOptions(),
			Log:      a.log,
		})
		addr := a.cfg.HTTPAddr()
		a.sup.Go("http", func(c context.Context) error {
			return httpapi.ListenAndServe(c, addr, srv.Handler(), 5*time.Second, a.log)
		})
	}

	if a.cfgm != nil {
		updates := a.cfgm.Subscribe(1)
		a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
		a.sup.Go("config.apply", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(updates)
			for {
				select {
				case <-c.Done():
					return nil
				case cfg, ok := <-updates:
					if !ok {
						return nil
					}
					a.applyConfig(cfg)
				}
			}
		})
	}

	a.sup.Go("systemd.watchdog", func(c context.Context) error { return sdWatchdog(c, a.log) })
	sdNotify(a.log, "READY=1\nSTATUS=polling as "+a.svc.WorkerID())

	a.log.Info("app started",
		logx.String("worker_id", a.svc.WorkerID()),
		logx.Duration("retry_delay", a.svc.RetryDelay()),
		logx.Int("max_attempts", a.svc.MaxAttempts()),
		logx.Bool("http", a.cfg.HTTP.Enabled),
		logx.Bool("events", a.cfg.Events.Enabled))
	return nil
}

// applyConfig applies the live-reloadable part of a new config. Other
// sections are logged and wait for a restart.
func (a *App) applyConfig(cfg *config.Config) {
	changed, restart := config.SummarizeChange(a.cfg, cfg)
	for _, s := range changed {
		if s == "logging" {
			a.logs.Apply(cfg.LogOptions())
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.cfg.Logging = cfg.Logging
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the others.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, "STOPPING=1\nSTATUS=stopping: "+string(reason))

	shutdown, err := a.cfg.ShutdownTimeout()
	if err != nil {
		shutdown = config.DefaultShutdownTimeout
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Running jobs finish and settle their rows before anything else goes.
	step("poller", shutdown, a.poller.Stop)
	a.sup.Cancel()
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("nats", 2*time.Second, func(context.Context) error {
		if a.nc != nil {
			return a.nc.Drain()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
