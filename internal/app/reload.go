package app

import (
	"context"
	"strings"
	"time"

	"jobrunner/internal/config"
	logx "jobrunner/pkg/logx"
)

const toggleStopTimeout = 3 * time.Second

// reloadLoop applies committed config reloads to the running components.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains queued reloads and returns the newest one.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if sectionsChanged(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if sectionsChanged(sections, "telegram") {
		a.log.Warn("telegram config changed; restart required for the notification sink to pick it up")
	}

	if sectionsChanged(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if sectionsChanged(sections, "engine") {
		a.applyEngine(newCfg)
	}
	if sectionsChanged(sections, "notifier") {
		a.applyNotifier(ctx, newCfg)
	}
	if sectionsChanged(sections, "scheduler") {
		a.applyScheduler(ctx, newCfg)
	}
	if sectionsChanged(sections, "maintenance") {
		a.applyMaintenance(ctx, newCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyEngine(cfg *config.Config) {
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		return
	}
	a.mu.Lock()
	a.engineCfg = ec
	a.mu.Unlock()
	a.engine.Apply(ec.Config)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	prevEnabled := a.notif.Enabled()
	a.notif.Apply(nc.Config)
	a.notif.SetRoles(nc.Roles)
	switch {
	case prevEnabled && !nc.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, toggleStopTimeout)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevEnabled && nc.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.WithoutCancel(ctx))
	}
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	prevEnabled := a.sched.Enabled()
	a.sched.Apply(sc)
	switch {
	case prevEnabled && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, toggleStopTimeout)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	}
}

func (a *App) applyMaintenance(ctx context.Context, cfg *config.Config) {
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		return
	}
	a.pruner.setRetention(mc.Retention)

	j, err := a.store.GetJobByName(ctx, PruneJobName)
	if err != nil {
		a.log.Warn("prune job lookup failed", logx.Err(err))
		return
	}
	if j.CronExpression == mc.PruneCron {
		return
	}
	// Re-registering keeps counters and the enabled flag, and re-arms the timer.
	if _, err := a.reg.Register(ctx, a.pruner.definition(mc.PruneCron).Spec, a.pruner.run); err != nil {
		a.log.Warn("prune job reschedule failed", logx.Err(err))
	}
}
