package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`

	// Notifier may be omitted; it then defaults to enabled with the log sink.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`

	// Storage may be omitted; the in-memory store is used then.
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job timers.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name (e.g. "Asia/Jakarta"). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls run execution.
//
// Defaults (when fields are omitted/zero):
//   - run_timeout: "0s" (disabled; a run lasts until its handler returns)
//   - stop_timeout: "10s"
//   - recover_interrupted: true
type EngineConfig struct {
	RunTimeout  string `json:"run_timeout,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
	// RecoverInterrupted is a pointer so an explicit false is distinguishable
	// from an omitted field.
	RecoverInterrupted *bool `json:"recover_interrupted,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Sink            string `json:"sink,omitempty"` // "log" (default) or "telegram"
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`

	// RecipientRole names the privileged role whose members get alerts.
	RecipientRole string `json:"recipient_role,omitempty"`
	// Roles maps a role to its recipient ids (Telegram chat ids for the
	// telegram sink).
	Roles map[string][]string `json:"roles,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobrunner.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// MaintenanceConfig controls the built-in run log retention job.
//
// Defaults: run_retention "720h", prune_cron "@daily". A retention of "0s"
// disables pruning.
type MaintenanceConfig struct {
	RunRetention *string `json:"run_retention,omitempty"`
	PruneCron    string  `json:"prune_cron,omitempty"`
}
