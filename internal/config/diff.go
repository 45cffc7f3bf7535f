package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobrunner/pkg/logx"
)

// DefaultNotifier is the notifier section used when the config omits it.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Sink:            "log",
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "0s",
		DedupMaxEntries: 2000,
		RecipientRole:   "admin",
	}
}

// SummarizeConfigChange returns the sorted names of changed sections plus
// structured attrs for logging. Secrets (telegram token, postgres DSN) are
// never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.run_timeout", strings.TrimSpace(newCfg.Engine.RunTimeout)),
			logx.String("engine.stop_timeout", strings.TrimSpace(newCfg.Engine.StopTimeout)),
		)
	}

	oldN, newN := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.String("notifier.sink", newN.Sink),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.recipient_role", newN.RecipientRole),
			logx.Int("notifier.role_count", len(newN.Roles)),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		retention := ""
		if newCfg.Maintenance.RunRetention != nil {
			retention = *newCfg.Maintenance.RunRetention
		}
		attrs = append(attrs,
			logx.String("maintenance.run_retention", retention),
			logx.String("maintenance.prune_cron", newCfg.Maintenance.PruneCron),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
