package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/events"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/metrics"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// App carries what every loop binary builds at start: configuration, logger,
// store, metrics and the parameters cache.
type App struct {
	Config   *config.Config
	Env      *config.Env
	Logger   *zap.Logger
	Store    *store.Store
	Params   *store.ParametersCache
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	checks  map[string]HealthCheck
	closers []func()
}

// Bootstrap loads the configuration of service and connects the shared
// dependencies. A NATS failure only degrades the service.
func Bootstrap(ctx context.Context, service, configPath string) (*App, error) {
	cfg, err := config.Load(configPath, service)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logger.With(zap.String("service", service))

	env, err := config.LoadEnv(service)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app := &App{
		Config:   cfg,
		Env:      env,
		Logger:   logger,
		Registry: registry,
		Metrics:  metrics.New(registry),
		Clock:    clock.C,
		checks:   map[string]HealthCheck{},
	}

	opts := store.DefaultOptions()
	opts.ParallelRequests = cfg.InternalDatabaseParallelRequests
	if cfg.ProceduresDSN != "" {
		procedures, err := store.NewPgxProcedures(ctx, cfg.ProceduresDSN, logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, procedures.Close)
		app.Store = store.New(store.NewRESTClient(env.StoreURL), procedures, opts, logger)
	} else {
		app.Store = store.NewHTTPStore(env.StoreURL, opts, logger)
	}
	app.Params = store.NewParametersCache(app.Store, cfg.ParametersRefresh)
	app.AddHealthCheck("store", func(ctx context.Context) error {
		_, err := app.Params.Get(ctx)
		return err
	})

	listeners := store.Listeners{app.Metrics}
	if cfg.NatsAddress != "" {
		nc, err := events.Connect(cfg.NatsAddress, logger)
		if err != nil {
			logger.Error("Failed to establish initial NATS connection. Status events are disabled.", zap.Error(err))
		} else {
			listeners = append(listeners, events.NewStatusPublisher(nc, cfg.NatsStatusSubjectPrefix, logger))
			app.AddHealthCheck("nats", func(context.Context) error {
				if nc.Status() != nats.CONNECTED {
					return errors.New("NATS connection is down")
				}
				return nil
			})
			app.closers = append(app.closers, func() {
				logger.Info("Draining NATS connection...")
				if err := nc.Drain(); err != nil {
					logger.Error("Error draining NATS connection", zap.Error(err))
				}
			})
		}
	}
	app.Store.SetStatusListener(listeners)
	return app, nil
}

// AddHealthCheck reports name on the health route.
func (a *App) AddHealthCheck(name string, check HealthCheck) {
	a.checks[name] = check
}

// SystemParameters returns the current system parameters row.
func (a *App) SystemParameters(ctx context.Context) (*models.SystemParameters, error) {
	return a.Params.Get(ctx)
}

// JobTypes returns the job types the service file restricts the loop to.
func (a *App) JobTypes() []models.JobType {
	types := make([]models.JobType, 0, len(a.Config.JobTypes))
	for _, t := range a.Config.JobTypes {
		types = append(types, models.JobType(t))
	}
	return types
}

// Sleep returns the pause between ticks: the system parameter override
// when set, the service file value otherwise.
func (a *App) Sleep() time.Duration {
	if params := a.Params.Current(); params != nil {
		if d := params.LoopSleep(a.Config.Service); d > 0 {
			return d
		}
	}
	return a.Config.Sleep
}

// RunnerOptions returns the runner settings of the service.
func (a *App) RunnerOptions() RunnerOptions {
	return RunnerOptions{
		Service:     a.Config.Service,
		Sleep:       a.Sleep,
		TickTimeout: a.Config.TickTimeout,
		Metrics:     a.Metrics,
		Clock:       a.Clock,
		Logger:      a.Logger,
	}
}

// Run serves health and metrics, registers in Consul when configured and
// runs loop until a signal arrives or the loop fails.
func (a *App) Run(ctx context.Context, loop Loop, opts RunnerOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(a.Config, NewRouter(a.Config, a.Registry, a.checks, a.Logger), a.Logger)
	go srv.Start()

	var registrar *Registrar
	if a.Config.ConsulAddress != "" {
		r, err := DialConsul(a.Config.ConsulAddress, config.GenerateServiceID(a.Config.ServiceIDPrefix), a.Logger)
		if err == nil {
			err = r.Register(a.Config)
		}
		if err != nil {
			a.Logger.Error("Loop runs unregistered", zap.Error(err))
		} else {
			registrar = r
		}
	}

	runErr := NewRunner(loop, opts).Run(ctx)

	a.Logger.Info("Shutting down", zap.Error(runErr))
	if registrar != nil {
		registrar.Deregister()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	return runErr
}

// Close releases the connections opened by Bootstrap.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.Logger.Sync()
}

// Exit logs err and terminates the process with a non-zero status when err
// is set.
func Exit(logger *zap.Logger, err error) {
	if err == nil {
		return
	}
	if logger != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		_ = logger.Sync()
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
