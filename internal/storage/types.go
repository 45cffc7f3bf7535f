package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "memory" or "": in-process maps (lost on restart)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver       string
	Path         string        // sqlite
	DSN          string        // postgres
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

func (s RunStatus) Valid() bool {
	return s == RunRunning || s == RunSuccess || s == RunFailed
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
)

// JobDefinition is the persisted configuration and rolling statistics of a job.
type JobDefinition struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	CronExpression  string `json:"cronExpression"`
	HandlerRef      string `json:"handlerRef"`
	Enabled         bool   `json:"enabled"`
	Locked          bool   `json:"locked"`
	NotifyOnFailure bool   `json:"notifyOnFailure"`

	SuccessCount        uint64  `json:"successCount"`
	FailureCount        uint64  `json:"failureCount"`
	ConsecutiveFailures uint32  `json:"consecutiveFailures"`
	AverageDurationMs   float64 `json:"averageDurationMs"`

	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobSpec carries the registration-time metadata of a job. On upsert of an
// existing name only the mutable fields are overwritten; Enabled is used for
// newly created rows only.
type JobSpec struct {
	Name            string
	Description     string
	CronExpression  string
	HandlerRef      string
	Locked          bool
	NotifyOnFailure bool
	Enabled         bool
}

// RunRecord is one execution attempt.
type RunRecord struct {
	ID          string     `json:"id"`
	JobID       int64      `json:"jobId"`
	Status      RunStatus  `json:"status"`
	Trigger     Trigger    `json:"trigger"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
	StackTrace  string     `json:"stackTrace,omitempty"`
}

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

// LogFilter narrows ListRuns. Zero values mean "no filter".
type LogFilter struct {
	Status    RunStatus
	StartDate *time.Time // inclusive, on StartedAt
	EndDate   *time.Time // inclusive, on StartedAt
	Limit     int
	Offset    int
}

// Normalize applies the page-size bounds.
func (f LogFilter) Normalize() LogFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultLogLimit
	}
	if f.Limit > MaxLogLimit {
		f.Limit = MaxLogLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f LogFilter) match(r RunRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.StartDate != nil && r.StartedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && r.StartedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// Outcome is the job state after a counter update, plus the consecutive
// failure count it had before the update.
type Outcome struct {
	Job                     JobDefinition
	PrevConsecutiveFailures uint32
}
