package app

import (
	"context"
	"strings"
	"sync"

	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/notifier"
	rtsup "jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/admin"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/registry"
	"jobrunner/internal/task/scheduler"
	"jobrunner/internal/task/tracker"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Service
	engine  *engine.Service
	notif   *notifier.Service
	tracker *tracker.Tracker
	reg     *registry.Registry
	admin   *admin.Service
	pruner  *pruner

	mu        sync.Mutex
	engineCfg engineSettings
	pruneCron string
	jobs      []registry.Definition
}

// NewApp loads the config at cfgPath and wires every component. jobs are
// registered on Start, after the built-in jobs.
func NewApp(cfgPath string, jobs ...registry.Definition) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	// Mapping errors were already rejected by validateConfig.
	schedCfg, _ := mapSchedulerConfig(cfg)
	engCfg, _ := mapEngineConfig(cfg)
	ncfg, _ := mapNotifierConfig(cfg)
	mcfg, _ := mapMaintenanceConfig(cfg)

	sink, err := newSink(ncfg.Sink, cfg.Telegram.Token, log.With(logx.String("comp", "notify.sink")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	schedSvc := scheduler.New(schedCfg, store, log.With(logx.String("comp", "scheduler")), bus)
	notifSvc := notifier.New(ncfg.Config, sink, ncfg.Roles, log.With(logx.String("comp", "notifier")), bus)
	tr := tracker.New(store, schedSvc, notifSvc, log.With(logx.String("comp", "tracker")), bus)
	reg := registry.New(store, schedSvc, log.With(logx.String("comp", "registry")))
	engineSvc := engine.New(engCfg.Config, store, reg, tr, log.With(logx.String("comp", "engine")), bus)
	schedSvc.Bind(engineSvc)

	return &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		sched:     schedSvc,
		engine:    engineSvc,
		notif:     notifSvc,
		tracker:   tr,
		reg:       reg,
		admin:     admin.New(store, schedSvc, engineSvc, log.With(logx.String("comp", "admin"))),
		pruner:    newPruner(store, mcfg.Retention, log.With(logx.String("comp", "maintenance"))),
		engineCfg: engCfg,
		pruneCron: mcfg.PruneCron,
		jobs:      jobs,
	}, nil
}

func newSink(kind, token string, log logx.Logger) (notifier.Sink, error) {
	switch kind {
	case "telegram":
		return notifier.NewTelegramSink(token)
	default:
		return notifier.LogSink{Log: log}, nil
	}
}

// Admin is the administrative surface for an external controller.
func (a *App) Admin() *admin.Service { return a.admin }

// Registry accepts further job registrations after Start.
func (a *App) Registry() *registry.Registry { return a.reg }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
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

// Start launches the pipeline in dependency order: notifier, engine (which
// recovers interrupted runs), scheduler, then job registration.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	// Detached so Stop can drain queued alerts after the app context ends.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return errx.Wrap(err, "start engine")
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return errx.Wrap(err, "start scheduler")
	}

	defs := append([]registry.Definition{a.pruner.definition(a.pruneCron)}, a.jobs...)
	if err := a.reg.RegisterAll(a.sup.Context(), defs...); err != nil {
		// Rejected definitions are isolated to their own job; RegisterAll
		// reports store and scheduler failures ahead of them.
		if !errx.Is(err, errx.ErrDiscovery) {
			return err
		}
		a.log.Warn("some jobs were not registered", logx.Err(err))
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started",
		logx.Int("jobs", len(a.reg.Names())),
		logx.Bool("scheduler_enabled", a.sched.Enabled()),
		logx.Bool("notifier_enabled", a.notif.Enabled()),
	)
	return nil
}

// logEvents logs bus events at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !a.log.Enabled(logx.LevelDebug) {
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel background loops first so no reload races with shutdown.
	a.sup.Cancel()

	a.mu.Lock()
	engineBudget := a.engineCfg.StopTimeout
	a.mu.Unlock()

	stop := newStopper(ctx, a.log)
	stop.step("scheduler", stopBudgetShort, func(c context.Context) error { a.sched.Stop(c); return nil })
	stop.step("engine", engineBudget, func(c context.Context) error { return a.engine.Stop(c) })
	stop.step("notifier", stopBudgetShort, func(c context.Context) error { a.notif.Stop(c); return nil })
	stop.step("storage", stopBudgetShort, func(context.Context) error { return a.store.Close() })
	stop.step("supervisor", stopBudgetShort, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func sectionsChanged(sections []string, name string) bool {
	for _, s := range sections {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}
