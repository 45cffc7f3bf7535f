// Package admin is the administrative and query surface of the orchestrator.
//
// It is transport-agnostic: an HTTP controller or chat command router sits
// in front of it and handles authorization.
package admin

import (
	"context"
	"strings"
	"time"

	"jobrunner/internal/storage"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

// PreviewCount is the number of upcoming fire times ValidateSchedule returns.
const PreviewCount = 5

type Scheduler interface {
	// Schedule arms the timer of an enabled job and removes it otherwise.
	Schedule(ctx context.Context, jobID int64) error
	Validate(expr string) error
	NextRuns(expr string, n int) ([]time.Time, error)
}

type Trigger interface {
	TriggerManually(ctx context.Context, jobID int64) (storage.RunRecord, error)
}

// Statistics summarizes a job's counters and its latest outcomes.
type Statistics struct {
	JobID               int64              `json:"jobId"`
	Name                string             `json:"name"`
	TotalExecutions     uint64             `json:"totalExecutions"`
	SuccessRate         float64            `json:"successRate"`
	AverageDurationMs   float64            `json:"averageDurationMs"`
	LastSuccess         *storage.RunRecord `json:"lastSuccess,omitempty"`
	LastFailure         *storage.RunRecord `json:"lastFailure,omitempty"`
	ConsecutiveFailures uint32             `json:"consecutiveFailures"`
}

// Validation is the result of ValidateSchedule.
type Validation struct {
	Valid          bool        `json:"valid"`
	Error          string      `json:"error,omitempty"`
	NextExecutions []time.Time `json:"nextExecutions,omitempty"`
}

type Service struct {
	store   storage.Store
	sched   Scheduler
	trigger Trigger
	log     logx.Logger
}

func New(store storage.Store, sched Scheduler, trigger Trigger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, sched: sched, trigger: trigger, log: log}
}

func (s *Service) ListJobs(ctx context.Context) ([]storage.JobDefinition, error) {
	return s.store.ListJobs(ctx)
}

func (s *Service) GetJob(ctx context.Context, id int64) (storage.JobDefinition, error) {
	return s.store.GetJob(ctx, id)
}

// EnableJob marks the job enabled and arms its timer. Enabling an enabled
// job only re-arms the timer.
func (s *Service) EnableJob(ctx context.Context, id int64) (storage.JobDefinition, error) {
	j, err := s.store.SetEnabled(ctx, id, true)
	if err != nil {
		return storage.JobDefinition{}, err
	}
	if err := s.sched.Schedule(ctx, id); err != nil {
		return j, errx.Wrapf(err, "schedule job %q", j.Name)
	}
	s.log.Info("job enabled", logx.Int64("job_id", id), logx.String("job", j.Name))
	return s.store.GetJob(ctx, id)
}

// DisableJob marks the job disabled and removes its timer. A run already in
// flight is not interrupted.
func (s *Service) DisableJob(ctx context.Context, id int64) (storage.JobDefinition, error) {
	j, err := s.store.SetEnabled(ctx, id, false)
	if err != nil {
		return storage.JobDefinition{}, err
	}
	// Schedule drops the timer of a disabled job. It re-reads the flag under
	// the scheduler lock, so the last of racing enable/disable calls wins.
	if err := s.sched.Schedule(ctx, id); err != nil {
		return j, errx.Wrapf(err, "unschedule job %q", j.Name)
	}
	s.log.Info("job disabled", logx.Int64("job_id", id), logx.String("job", j.Name))
	return s.store.GetJob(ctx, id)
}

// UpdateSchedule replaces the cron expression of an unlocked job. On any
// error the stored expression is left as it was.
func (s *Service) UpdateSchedule(ctx context.Context, id int64, expr string) (storage.JobDefinition, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return storage.JobDefinition{}, err
	}
	if j.Locked {
		return j, errx.Conflictf("job %q has a locked schedule", j.Name)
	}
	expr = strings.TrimSpace(expr)
	if err := s.sched.Validate(expr); err != nil {
		return j, err
	}

	prev := j.CronExpression
	j, err = s.store.SetCronExpression(ctx, id, expr)
	if err != nil {
		return storage.JobDefinition{}, err
	}
	if j.Enabled {
		if err := s.sched.Schedule(ctx, id); err != nil {
			return j, errx.Wrapf(err, "reschedule job %q", j.Name)
		}
	}
	s.log.Info("job schedule updated",
		logx.String("job", j.Name),
		logx.String("from", prev),
		logx.String("to", expr),
	)
	return s.store.GetJob(ctx, id)
}

// TriggerManually starts a run now and returns the RUNNING record. It does
// not wait for the handler.
func (s *Service) TriggerManually(ctx context.Context, id int64) (storage.RunRecord, error) {
	return s.trigger.TriggerManually(ctx, id)
}

// GetLogs returns a most-recent-first page of the job's run history.
func (s *Service) GetLogs(ctx context.Context, id int64, f storage.LogFilter) ([]storage.RunRecord, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, errx.Validationf("unknown run status %q", f.Status)
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, errx.Validationf("endDate before startDate")
	}
	return s.store.ListRuns(ctx, id, f)
}

func (s *Service) GetStatistics(ctx context.Context, id int64) (Statistics, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Statistics{}, err
	}
	st := Statistics{
		JobID:               j.ID,
		Name:                j.Name,
		TotalExecutions:     j.SuccessCount + j.FailureCount,
		AverageDurationMs:   j.AverageDurationMs,
		ConsecutiveFailures: j.ConsecutiveFailures,
	}
	if st.TotalExecutions > 0 {
		st.SuccessRate = float64(j.SuccessCount) / float64(st.TotalExecutions) * 100
	}

	if r, ok, err := s.store.LastRun(ctx, id, storage.RunSuccess); err != nil {
		return Statistics{}, err
	} else if ok {
		st.LastSuccess = &r
	}
	if r, ok, err := s.store.LastRun(ctx, id, storage.RunFailed); err != nil {
		return Statistics{}, err
	} else if ok {
		st.LastFailure = &r
	}
	return st, nil
}

// ValidateSchedule never fails; parse errors are reported in the result.
func (s *Service) ValidateSchedule(expr string) Validation {
	next, err := s.sched.NextRuns(expr, PreviewCount)
	if err != nil {
		return Validation{Valid: false, Error: err.Error()}
	}
	return Validation{Valid: true, NextExecutions: next}
}
