package app

import (
	"context"
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/notifier"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/scheduler"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultRunRetention = 720 * time.Hour
	defaultPruneCron    = "@daily"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, errx.Mark(errx.Wrapf(err, "scheduler.timezone: invalid %q", tz), errx.ErrValidation)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

// engineSettings is the engine config plus the app-level stop bound.
type engineSettings struct {
	engine.Config
	StopTimeout time.Duration
}

func mapEngineConfig(cfg *config.Config) (engineSettings, error) {
	runTimeout, err := config.ParseDurationField("engine.run_timeout", cfg.Engine.RunTimeout)
	if err != nil {
		return engineSettings{}, err
	}
	stopTimeout, err := config.ParseDurationOrDefault("engine.stop_timeout", cfg.Engine.StopTimeout, defaultStopTimeout)
	if err != nil {
		return engineSettings{}, err
	}
	recoverRuns := true
	if cfg.Engine.RecoverInterrupted != nil {
		recoverRuns = *cfg.Engine.RecoverInterrupted
	}
	return engineSettings{
		Config:      engine.Config{RunTimeout: runTimeout, RecoverInterrupted: recoverRuns},
		StopTimeout: stopTimeout,
	}, nil
}

// notifierSettings is the pipeline config plus sink selection and roles.
type notifierSettings struct {
	notifier.Config
	Sink  string
	Roles notifier.StaticRoles
}

func mapNotifierConfig(cfg *config.Config) (notifierSettings, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifierSettings{}, errx.Validationf("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifierSettings{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifierSettings{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifierSettings{}, err
	}

	sink := strings.ToLower(strings.TrimSpace(nc.Sink))
	switch sink {
	case "", "log":
		sink = "log"
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return notifierSettings{}, errx.Validationf("notifier.sink=telegram requires telegram.token")
		}
	default:
		return notifierSettings{}, errx.Validationf("unknown notifier.sink: %s", nc.Sink)
	}

	return notifierSettings{
		Config: notifier.Config{
			Enabled:         nc.Enabled,
			Workers:         nc.Workers,
			QueueSize:       nc.QueueSize,
			RatePerSec:      nc.RatePerSec,
			RetryMax:        nc.RetryMax,
			RetryBase:       retryBase,
			RetryMaxDelay:   retryMaxDelay,
			DedupWindow:     dedupWindow,
			DedupMaxEntries: nc.DedupMaxEntries,
			RecipientRole:   strings.TrimSpace(nc.RecipientRole),
		},
		Sink:  sink,
		Roles: notifier.StaticRoles(nc.Roles),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, errx.Validationf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, errx.Validationf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, errx.Validationf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, errx.Validationf("unknown storage.driver: %s", sc.Driver)
	}
}

// maintenanceSettings configures the built-in run log prune job.
type maintenanceSettings struct {
	Retention time.Duration // 0 disables pruning
	PruneCron string
}

func mapMaintenanceConfig(cfg *config.Config) (maintenanceSettings, error) {
	retention := defaultRunRetention
	if cfg.Maintenance.RunRetention != nil {
		d, err := config.ParseDurationField("maintenance.run_retention", *cfg.Maintenance.RunRetention)
		if err != nil {
			return maintenanceSettings{}, err
		}
		retention = d
	}
	cron := strings.TrimSpace(cfg.Maintenance.PruneCron)
	if cron == "" {
		cron = defaultPruneCron
	}
	if err := scheduler.ValidateExpr(cron); err != nil {
		return maintenanceSettings{}, errx.Wrap(err, "maintenance.prune_cron")
	}
	return maintenanceSettings{Retention: retention, PruneCron: cron}, nil
}

// validateConfig rejects a reload that any component would refuse.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errx.Validationf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return errx.Validationf("logging.level: unknown level %q", lvl)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	return nil
}
