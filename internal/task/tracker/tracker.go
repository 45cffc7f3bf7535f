// Package tracker applies run outcomes to job statistics and raises the
// resulting health notifications, including auto-disable after repeated
// failures.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/notifier"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// AutoDisableThreshold is the consecutive failure count that disables a job.
const AutoDisableThreshold = 3

// Store is the part of the Schedule Store the tracker writes.
type Store interface {
	RecordSuccess(ctx context.Context, id int64, durationMs float64, at time.Time) (storage.Outcome, error)
	RecordFailure(ctx context.Context, id int64, at time.Time) (storage.Outcome, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) (storage.JobDefinition, error)
}

// Scheduler re-syncs a job's timer with its stored enabled flag.
type Scheduler interface {
	Schedule(ctx context.Context, jobID int64) error
}

type Notifier interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// OutcomeEvent is published on job.auto_disabled and job.recovered.
type OutcomeEvent struct {
	JobID               int64  `json:"jobId"`
	Name                string `json:"name"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

type Tracker struct {
	store  Store
	sched  Scheduler
	notify Notifier
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	locks keyedMutex
}

func New(store Store, sched Scheduler, notify Notifier, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: store, sched: sched, notify: notify, log: log, bus: bus, now: time.Now}
}

// Success records a successful run of d and returns the updated job.
func (t *Tracker) Success(ctx context.Context, jobID int64, d time.Duration) (storage.JobDefinition, error) {
	unlock := t.locks.lock(jobID)
	defer unlock()

	ms := float64(d) / float64(time.Millisecond)
	out, err := t.store.RecordSuccess(ctx, jobID, ms, t.now())
	if err != nil {
		return storage.JobDefinition{}, err
	}
	j := out.Job
	if out.PrevConsecutiveFailures > 0 {
		t.log.Info("job recovered", logx.String("job", j.Name), logx.Int("after_failures", int(out.PrevConsecutiveFailures)))
		eventbus.Publish(t.bus, eventbus.JobRecovered, OutcomeEvent{JobID: j.ID, Name: j.Name, ConsecutiveFailures: out.PrevConsecutiveFailures})
		if j.NotifyOnFailure {
			t.send(ctx, notifier.Alert{
				Title:    fmt.Sprintf("Job recovered: %s", j.Name),
				Message:  fmt.Sprintf("%s succeeded after %d consecutive failures.", j.Name, out.PrevConsecutiveFailures),
				Priority: notifier.PriorityNormal,
				Metadata: notifier.Metadata{JobID: j.ID, JobName: j.Name},
			})
		}
	}
	return j, nil
}

// Failure records a failed run. At AutoDisableThreshold consecutive failures
// the job is disabled and its timer removed. The tracker never re-enables a
// job.
func (t *Tracker) Failure(ctx context.Context, jobID int64, runErr error) (storage.JobDefinition, error) {
	unlock := t.locks.lock(jobID)
	defer unlock()

	out, err := t.store.RecordFailure(ctx, jobID, t.now())
	if err != nil {
		return storage.JobDefinition{}, err
	}
	j := out.Job
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	if j.NotifyOnFailure {
		prio := notifier.PriorityNormal
		if j.ConsecutiveFailures > 1 {
			prio = notifier.PriorityHigh
		}
		t.send(ctx, notifier.Alert{
			Title:    fmt.Sprintf("Job failed: %s", j.Name),
			Message:  fmt.Sprintf("%s failed (%d consecutive): %s", j.Name, j.ConsecutiveFailures, errText),
			Priority: prio,
			Metadata: notifier.Metadata{JobID: j.ID, JobName: j.Name, Error: errText, ConsecutiveFailures: j.ConsecutiveFailures},
		})
	}

	// Already-disabled jobs (a manual run, or a run in flight while the job
	// was disabled) do not raise a second URGENT alert.
	if j.ConsecutiveFailures < AutoDisableThreshold || !j.Enabled {
		return j, nil
	}

	disabled, err := t.store.SetEnabled(ctx, j.ID, false)
	if err != nil {
		t.log.Error("auto-disable failed", logx.String("job", j.Name), logx.Err(err))
		return j, err
	}
	j = disabled
	// Schedule reads the flag under the scheduler lock, so a concurrent
	// EnableJob can't leave the timer and the flag out of step.
	if err := t.sched.Schedule(ctx, j.ID); err != nil {
		t.log.Error("unschedule on auto-disable failed", logx.String("job", j.Name), logx.Err(err))
	}

	t.log.Warn("job auto-disabled", logx.String("job", j.Name), logx.Int("consecutive_failures", int(j.ConsecutiveFailures)))
	eventbus.Publish(t.bus, eventbus.JobAutoDisabled, OutcomeEvent{JobID: j.ID, Name: j.Name, ConsecutiveFailures: j.ConsecutiveFailures})
	t.send(ctx, notifier.Alert{
		Title:    fmt.Sprintf("Job auto-disabled: %s", j.Name),
		Message:  fmt.Sprintf("%s was disabled after %d consecutive failures. Last error: %s", j.Name, j.ConsecutiveFailures, errText),
		Priority: notifier.PriorityUrgent,
		Metadata: notifier.Metadata{JobID: j.ID, JobName: j.Name, Error: errText, ConsecutiveFailures: j.ConsecutiveFailures},
	})
	return j, nil
}

// send is best-effort: a notification problem never fails the run outcome.
func (t *Tracker) send(ctx context.Context, a notifier.Alert) {
	if t.notify == nil {
		return
	}
	if err := t.notify.Notify(ctx, a); err != nil {
		t.log.Warn("notification not queued", logx.String("title", a.Title), logx.String("priority", string(a.Priority)), logx.Err(err))
	}
}

// keyedMutex serializes work per job id. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id int64) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[int64]*keyedEntry{}
	}
	e := k.locks[id]
	if e == nil {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
