package scheduler

import (
	"context"
	"sync"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// JobSource is the part of the Schedule Store the scheduler needs.
type JobSource interface {
	GetJob(ctx context.Context, id int64) (storage.JobDefinition, error)
	ListJobs(ctx context.Context) ([]storage.JobDefinition, error)
	SetNextRunAt(ctx context.Context, id int64, next *time.Time) error
}

// Firer receives timer fires. Fire must not block for the duration of a run.
type Firer interface {
	Fire(jobID int64)
}

// FirerFunc adapts a function to Firer.
type FirerFunc func(jobID int64)

func (f FirerFunc) Fire(jobID int64) { f(jobID) }

// JobEvent is published on job.scheduled / job.unscheduled.
type JobEvent struct {
	JobID int64      `json:"jobId"`
	Name  string     `json:"name"`
	Expr  string     `json:"expr,omitempty"`
	Next  *time.Time `json:"next,omitempty"`
}

type entry struct {
	jobID   int64
	name    string
	expr    string
	sched   cron.Schedule
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	store JobSource
	firer Firer

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry // keyed by job name
}

type ScheduleInfo struct {
	JobID int64     `json:"jobId"`
	Name  string    `json:"name"`
	Expr  string    `json:"expr"`
	Next  time.Time `json:"next"`
	Prev  time.Time `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
