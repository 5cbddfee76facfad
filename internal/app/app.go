// Package app wires a scheduler node together from its config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetsched/internal/config"
	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/eventbus"
	"fleetsched/internal/runtime/supervisor"
	"fleetsched/internal/server"
	"fleetsched/internal/storage"
	"fleetsched/internal/task/admission"
	"fleetsched/internal/task/depgraph"
	"fleetsched/internal/task/executor"
	"fleetsched/internal/task/scheduler"
	"fleetsched/internal/task/stats"
	"fleetsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend *storage.Backend
	coord   *coord.Client
	exec    *executor.Registry
	admit   *admission.Policy
	errs    *errtrack.Tracker
	sched   *scheduler.Service
	http    *server.Server

	extra []namedExecutor
}

type namedExecutor struct {
	name string
	ex   executor.Executor
}

type Option func(*App)

// WithExecutor registers ex under name next to the configured builtins. A
// name that matches a builtin replaces it.
func WithExecutor(name string, ex executor.Executor) Option {
	return func(a *App) { a.extra = append(a.extra, namedExecutor{name: name, ex: ex}) }
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	backend, err := storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.backend = backend

	cc, err := mapCoordConfig(cfg)
	if err != nil {
		return a.closeOnErr(err)
	}
	a.coord = coord.New(backend.KV, cc, log)

	a.exec = executor.NewRegistry(log)
	names, err := builtinNames(cfg)
	if err != nil {
		return a.closeOnErr(err)
	}
	if err := a.exec.RegisterBuiltins(names...); err != nil {
		return a.closeOnErr(err)
	}
	for _, ne := range a.extra {
		if strings.TrimSpace(ne.name) == "" || ne.ex == nil {
			return a.closeOnErr(errors.New("executor option needs a name and an executor"))
		}
		a.exec.Register(ne.name, ne.ex)
	}

	a.admit = admission.New(mapAdmissionConfig(cfg), backend.Tasks, a.exec)
	a.errs = errtrack.New(mapErrorsConfig(cfg), log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return a.closeOnErr(err)
	}
	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Store:     backend.Tasks,
		Graph:     depgraph.New(),
		Coord:     a.coord,
		Executors: a.exec,
		Admission: a.admit,
		Stats:     stats.New(),
		Errors:    a.errs,
		Bus:       a.bus,
		Log:       log,
	})
	if err != nil {
		return a.closeOnErr(err)
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return a.closeOnErr(err)
	}
	if hc.Addr != "" {
		a.http = server.New(hc, a.sched, log, server.WithErrors(a.errs), server.WithBus(a.bus))
	}

	a.log.Info("node configured",
		logx.String("node", a.coord.NodeID()),
		logx.String("storage", backend.Driver),
		logx.Strings("executors", a.exec.Names()),
		logx.String("http", hc.Addr))
	return nil
}

func (a *App) closeOnErr(err error) error {
	if cerr := a.backend.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// validate checks cross-field rules config.Validate cannot see.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCoordConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := builtinNames(cfg)
	return err
}

// Executors lets the host register its own executors before Start.
func (a *App) Executors() *executor.Registry { return a.exec }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.http != nil {
		a.sup.Go("http", a.http.ListenAndServe)
	}
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.watchdogLoop(c, a.sched.Running)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("node started", logx.String("node", a.coord.NodeID()))
	return nil
}

// logEvents mirrors bus events into the debug log.
func (a *App) logEvents(ctx context.Context) error {
	events, unsubscribe := a.bus.Subscribe(128)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop hands in-flight tasks back, stops every loop and closes storage. Each
// step is bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(sctx); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// The scheduler goes first so its lease writes still reach the store.
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("supervisor", 5*time.Second, func(c context.Context) error {
		a.sup.Cancel()
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// CheckConfig loads and validates cfgPath without opening storage.
func CheckConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
