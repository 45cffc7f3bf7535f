package storage

import (
	"context"
	"strings"
	"time"

	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

// JobStore is the Schedule Store.
type JobStore interface {
	// UpsertJob creates the job if its name is new, otherwise updates the
	// mutable metadata and leaves counters and the enabled flag untouched.
	UpsertJob(ctx context.Context, spec JobSpec) (job JobDefinition, created bool, err error)
	GetJob(ctx context.Context, id int64) (JobDefinition, error)
	GetJobByName(ctx context.Context, name string) (JobDefinition, error)
	ListJobs(ctx context.Context) ([]JobDefinition, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) (JobDefinition, error)
	SetCronExpression(ctx context.Context, id int64, expr string) (JobDefinition, error)
	SetNextRunAt(ctx context.Context, id int64, next *time.Time) error

	// RecordSuccess and RecordFailure are atomic read-modify-write updates.
	RecordSuccess(ctx context.Context, id int64, durationMs float64, at time.Time) (Outcome, error)
	RecordFailure(ctx context.Context, id int64, at time.Time) (Outcome, error)
}

// RunStore is the Run Log Store.
type RunStore interface {
	// CreateRun inserts a RUNNING record. It fails with errx.ErrConflict when
	// the job already has one.
	CreateRun(ctx context.Context, r RunRecord) error
	// CompleteRun moves a RUNNING record to its final status.
	CompleteRun(ctx context.Context, r RunRecord) error
	GetRunningRun(ctx context.Context, jobID int64) (RunRecord, bool, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, jobID int64, f LogFilter) ([]RunRecord, error)
	LastRun(ctx context.Context, jobID int64, status RunStatus) (RunRecord, bool, error)
	// FailInterruptedRuns completes every RUNNING record as FAILED with reason.
	FailInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error)
	// PruneRuns deletes completed records started before the cutoff.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// Store is the persistence API used by the orchestrator.
type Store interface {
	JobStore
	RunStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errx.Newf("unknown storage driver: %s", driver)
	}
}

func jobNotFound(id int64) error { return errx.NotFoundf("job %d not found", id) }

func jobNameNotFound(name string) error { return errx.NotFoundf("job %q not found", name) }

func runAlreadyRunning(jobID int64) error {
	return errx.Conflictf("job %d already has a running execution", jobID)
}
