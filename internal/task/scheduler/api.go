package scheduler

import (
	"context"
	"strings"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Schedule (re)arms the timer of jobID from its stored definition. Any
// existing timer is removed first, so calling it twice never duplicates
// fires. A disabled job is only unscheduled.
//
// The store read happens under the service lock so Schedule and Unschedule
// calls for the same job are applied in a single order.
func (s *Service) Schedule(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	removed := s.removeLocked(j.ID)
	if !j.Enabled {
		if removed {
			eventbus.Publish(s.bus, eventbus.JobUnscheduled, JobEvent{JobID: j.ID, Name: j.Name})
		}
		return s.store.SetNextRunAt(ctx, j.ID, nil)
	}
	if s.c == nil {
		// Not running: Start picks the job up from the store.
		s.log.Debug("schedule deferred until start", logx.String("job", j.Name))
		return nil
	}
	return s.addLocked(ctx, j.ID, j.Name, j.CronExpression)
}

// Unschedule removes the timer of jobID if present and clears nextRunAt. It
// is idempotent and never touches run history.
func (s *Service) Unschedule(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ""
	for n, e := range s.entries {
		if e.jobID == jobID {
			name = n
			break
		}
	}
	if s.removeLocked(jobID) {
		s.log.Debug("schedule removed", logx.String("job", name))
		eventbus.Publish(s.bus, eventbus.JobUnscheduled, JobEvent{JobID: jobID, Name: name})
	}
	return s.store.SetNextRunAt(ctx, jobID, nil)
}

// IsScheduled reports whether a live timer exists for jobID.
func (s *Service) IsScheduled(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.jobID == jobID {
			return true
		}
	}
	return false
}

// Validate parses expr with the scheduler's parser.
func (s *Service) Validate(expr string) error {
	_, err := parse(s.parser, expr)
	return err
}

// ValidateExpr parses expr with the package Parser, independent of any
// Service.
func ValidateExpr(expr string) error {
	_, err := parse(Parser, expr)
	return err
}

// NextRuns returns the next n fire times of expr after now, ascending, in
// the scheduler timezone.
func (s *Service) NextRuns(expr string, n int) ([]time.Time, error) {
	sched, err := parse(s.parser, expr)
	if err != nil {
		return nil, err
	}
	return nextTimes(sched, time.Now().In(s.Location()), n), nil
}

func parse(p cron.Parser, expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errx.Validationf("cron expression required")
	}
	sched, err := p.Parse(expr)
	if err != nil {
		return nil, errx.Mark(errx.Wrapf(err, "invalid cron expression %q", expr), errx.ErrValidation)
	}
	return sched, nil
}

func nextTimes(sched cron.Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// addLocked registers a cron entry and persists its next fire time.
// Call with s.mu held and s.c running.
func (s *Service) addLocked(ctx context.Context, jobID int64, name, expr string) error {
	sched, err := parse(s.parser, expr)
	if err != nil {
		_ = s.store.SetNextRunAt(ctx, jobID, nil)
		return err
	}
	e := &entry{jobID: jobID, name: name, expr: expr, sched: sched}
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.entries[name] = e

	next := sched.Next(time.Now().In(s.loc))
	if err := s.store.SetNextRunAt(ctx, jobID, &next); err != nil {
		s.log.Warn("persist next run failed", logx.String("job", name), logx.Err(err))
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered", logx.String("job", name), logx.String("expr", expr), logx.String("next", s.previewLocked(sched, 4)))
	}
	eventbus.Publish(s.bus, eventbus.JobScheduled, JobEvent{JobID: jobID, Name: name, Expr: expr, Next: &next})
	return nil
}

// removeLocked drops the cron entry of jobID. Call with s.mu held.
func (s *Service) removeLocked(jobID int64) bool {
	removed := false
	for name, e := range s.entries {
		if e.jobID != jobID {
			continue
		}
		if s.c != nil && e.entryID != 0 {
			s.c.Remove(e.entryID)
		}
		delete(s.entries, name)
		removed = true
	}
	return removed
}

// fire hands a due timer to the firer and refreshes nextRunAt. Fires of
// entries that were replaced or removed in the meantime are ignored.
func (s *Service) fire(e *entry) {
	s.mu.Lock()
	live := s.entries[e.name] == e
	f := s.firer
	s.mu.Unlock()
	if !live {
		return
	}
	if f != nil {
		f.Fire(e.jobID)
	} else {
		s.log.Warn("timer fired without a bound firer", logx.String("job", e.name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.name] != e {
		return
	}
	next := e.sched.Next(time.Now().In(s.loc))
	if err := s.store.SetNextRunAt(context.Background(), e.jobID, &next); err != nil {
		s.log.Warn("refresh next run failed", logx.String("job", e.name), logx.Err(err))
	}
}

// previewLocked returns a short, human-friendly list of upcoming run times.
func (s *Service) previewLocked(sched cron.Schedule, n int) string {
	var b strings.Builder
	for i, t := range nextTimes(sched, time.Now().In(s.loc), n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
