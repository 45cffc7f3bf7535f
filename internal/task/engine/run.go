package engine

import (
	"context"
	"sync/atomic"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/storage"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	"github.com/google/uuid"
)

// Fire starts a scheduled run. A job that is already running is skipped.
// It never blocks for the duration of the run.
func (s *Service) Fire(jobID int64) {
	_, _, err := s.start(context.Background(), jobID, storage.TriggerScheduled)
	switch {
	case err == nil:
	case errx.Is(err, errx.ErrConflict):
		atomic.AddUint64(&s.skipped, 1)
		s.log.Debug("scheduled run skipped: already running", logx.Int64("job_id", jobID))
		eventbus.Publish(s.bus, eventbus.JobSkipped, RunEvent{JobID: jobID, Trigger: storage.TriggerScheduled})
	case errx.Is(err, ErrStopped):
		s.log.Debug("scheduled run dropped: engine stopped", logx.Int64("job_id", jobID))
	case errx.Is(err, ErrDisabled):
		s.log.Debug("scheduled run dropped: job disabled", logx.Int64("job_id", jobID))
	default:
		s.log.Error("scheduled run not started", logx.Int64("job_id", jobID), logx.Err(err))
	}
}

// TriggerManually starts a run and returns the accepted RUNNING record
// without waiting for the handler. A job that is already running yields an
// errx.ErrConflict error.
func (s *Service) TriggerManually(ctx context.Context, jobID int64) (storage.RunRecord, error) {
	run, _, err := s.start(ctx, jobID, storage.TriggerManual)
	return run, err
}

// RunNow starts a manual run and waits for its final record. If ctx ends
// first the run keeps going and ctx.Err() is returned with the RUNNING record.
func (s *Service) RunNow(ctx context.Context, jobID int64) (storage.RunRecord, error) {
	run, done, err := s.start(ctx, jobID, storage.TriggerManual)
	if err != nil {
		return run, err
	}
	select {
	case final := <-done:
		return final, nil
	case <-ctx.Done():
		return run, ctx.Err()
	}
}

// start admits a run and launches it. The returned channel yields the final
// record once.
func (s *Service) start(ctx context.Context, jobID int64, trigger storage.Trigger) (storage.RunRecord, <-chan storage.RunRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return storage.RunRecord{}, nil, err
	}
	if trigger == storage.TriggerScheduled && !job.Enabled {
		return storage.RunRecord{}, nil, ErrDisabled
	}

	st := s.state(jobID)
	if !st.tryAcquire() {
		return storage.RunRecord{}, nil, alreadyRunning(job.Name)
	}

	s.mu.Lock()
	if !s.accepting || s.sup == nil {
		s.mu.Unlock()
		st.release()
		return storage.RunRecord{}, nil, ErrStopped
	}
	sup := s.sup
	timeout := s.cfg.RunTimeout
	s.inflight.Add(1)
	s.mu.Unlock()

	run := storage.RunRecord{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Status:    storage.RunRunning,
		Trigger:   trigger,
		StartedAt: s.now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		st.release()
		s.inflight.Done()
		if errx.Is(err, errx.ErrConflict) {
			// Another process (or a crashed one) holds the RUNNING record.
			return storage.RunRecord{}, nil, alreadyRunning(job.Name)
		}
		return storage.RunRecord{}, nil, err
	}

	s.log.Debug("run started", logx.String("job", job.Name), logx.String("run_id", run.ID), logx.String("trigger", string(trigger)))
	eventbus.Publish(s.bus, eventbus.JobStarted, RunEvent{RunID: run.ID, JobID: job.ID, Name: job.Name, Trigger: trigger, Status: storage.RunRunning})

	done := make(chan storage.RunRecord, 1)
	sup.Go0("run."+job.Name, func(runCtx context.Context) {
		defer s.inflight.Done()
		defer st.release()
		done <- s.execute(runCtx, job, run, timeout)
	})
	return run, done, nil
}

// execute invokes the handler and records the outcome.
func (s *Service) execute(ctx context.Context, job storage.JobDefinition, run storage.RunRecord, timeout time.Duration) storage.RunRecord {
	var err error
	if h, ok := s.handlers.Lookup(job.HandlerRef); !ok {
		err = missingHandler(job.HandlerRef)
	} else {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err = s.invoke(runCtx, h)
	}

	finished := s.now()
	d := finished.Sub(run.StartedAt)
	ms := d.Milliseconds()
	run.CompletedAt = &finished
	run.DurationMs = &ms
	if err == nil {
		run.Status = storage.RunSuccess
	} else {
		run.Status = storage.RunFailed
		run.Error = err.Error()
		run.StackTrace = stackOf(err)
	}

	// Bookkeeping outlives the run context so shutdown still records outcomes.
	bg := context.WithoutCancel(ctx)
	if cerr := s.store.CompleteRun(bg, run); cerr != nil {
		s.log.Error("complete run failed", logx.String("job", job.Name), logx.String("run_id", run.ID), logx.Err(cerr))
	}

	ev := RunEvent{RunID: run.ID, JobID: job.ID, Name: job.Name, Trigger: run.Trigger, Status: run.Status, DurationMs: ms, Error: run.Error}
	if err == nil {
		atomic.AddUint64(&s.completed, 1)
		if d >= 750*time.Millisecond {
			s.log.Info("run succeeded", logx.String("job", job.Name), logx.Duration("dur", d))
		} else {
			s.log.Debug("run succeeded", logx.String("job", job.Name), logx.Duration("dur", d))
		}
		eventbus.Publish(s.bus, eventbus.JobSucceeded, ev)
		if _, terr := s.outcomes.Success(bg, job.ID, d); terr != nil {
			s.log.Error("record success failed", logx.String("job", job.Name), logx.Err(terr))
		}
		return run
	}

	atomic.AddUint64(&s.failed, 1)
	s.log.Warn("run failed", logx.String("job", job.Name), logx.String("run_id", run.ID), logx.Duration("dur", d), logx.Err(err))
	eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	if _, terr := s.outcomes.Failure(bg, job.ID, err); terr != nil {
		s.log.Error("record failure failed", logx.String("job", job.Name), logx.Err(terr))
	}
	return run
}

// invoke runs h with panic recovery; a panic is reported as a handler error.
func (s *Service) invoke(ctx context.Context, h func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.panics, 1)
			pe := recovered(r)
			s.log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(pe.stack)))
			err = errx.HandlerFailure(pe)
		}
	}()
	return errx.HandlerFailure(h(ctx))
}
