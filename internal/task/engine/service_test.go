package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobrunner/internal/storage"
	"jobrunner/internal/task/registry"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerMap map[string]registry.Handler

func (m handlerMap) Lookup(ref string) (registry.Handler, bool) {
	h, ok := m[ref]
	return h, ok
}

type recordedOutcomes struct {
	mu        sync.Mutex
	successes []int64
	failures  []error
}

func (r *recordedOutcomes) Success(_ context.Context, jobID int64, _ time.Duration) (storage.JobDefinition, error) {
	r.mu.Lock()
	r.successes = append(r.successes, jobID)
	r.mu.Unlock()
	return storage.JobDefinition{}, nil
}

func (r *recordedOutcomes) Failure(_ context.Context, jobID int64, err error) (storage.JobDefinition, error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	return storage.JobDefinition{}, nil
}

func (r *recordedOutcomes) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

type fixture struct {
	store    storage.Store
	handlers handlerMap
	out      *recordedOutcomes
	eng      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), handlers: handlerMap{}, out: &recordedOutcomes{}}
	f.eng = New(cfg, f.store, f.handlers, f.out, logx.Nop(), nil)
	require.NoError(t, f.eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.eng.Stop(ctx)
	})
	return f
}

func (f *fixture) job(t *testing.T, name string, h registry.Handler) storage.JobDefinition {
	t.Helper()
	j, _, err := f.store.UpsertJob(context.Background(), storage.JobSpec{Name: name, CronExpression: "@hourly", HandlerRef: name, Enabled: true})
	require.NoError(t, err)
	if h != nil {
		f.handlers[name] = h
	}
	return j
}

// blocker returns a handler that waits until release is closed.
func blocker(started chan<- struct{}, release <-chan struct{}) registry.Handler {
	return func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestRunNowSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	j := f.job(t, "ok", func(context.Context) error { return nil })

	run, err := f.eng.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, run.Status)
	assert.Equal(t, storage.TriggerManual, run.Trigger)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.DurationMs)
	assert.Empty(t, run.Error)

	s, fl := f.out.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 0, fl)

	runs, err := f.store.ListRuns(context.Background(), j.ID, storage.LogFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, storage.RunSuccess, runs[0].Status)
}

func TestRunNowHandlerError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	j := f.job(t, "bad", func(context.Context) error { return errx.New("upstream unavailable") })

	run, err := f.eng.RunNow(context.Background(), j.ID)
	require.NoError(t, err, "handler errors never reach the caller")
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Equal(t, "upstream unavailable", run.Error)
	assert.NotEmpty(t, run.StackTrace)

	f.out.mu.Lock()
	require.Len(t, f.out.failures, 1)
	assert.True(t, errx.Is(f.out.failures[0], errx.ErrHandlerExecution))
	f.out.mu.Unlock()
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	j := f.job(t, "panics", func(context.Context) error { panic("kaboom") })

	run, err := f.eng.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Equal(t, "panic: kaboom", run.Error)
	assert.Contains(t, run.StackTrace, "goroutine")
	assert.EqualValues(t, 1, f.eng.Snapshot().Panics)
}

func TestMissingHandlerFailsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	j := f.job(t, "orphan", nil)

	run, err := f.eng.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Contains(t, run.Error, `no handler registered for "orphan"`)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, err := f.eng.TriggerManually(context.Background(), 12345)
	assert.True(t, errx.Is(err, errx.ErrNotFound))
}

func TestManualTriggerWhileRunningConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	j := f.job(t, "slow", blocker(started, release))
	ctx := context.Background()

	first, err := f.eng.TriggerManually(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunRunning, first.Status)
	<-started
	assert.True(t, f.eng.Running(j.ID))

	_, err = f.eng.TriggerManually(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.ErrConflict))
	assert.Contains(t, err.Error(), "already running")

	// A scheduled fire is skipped silently.
	f.eng.Fire(j.ID)
	assert.EqualValues(t, 1, f.eng.Snapshot().Skipped)

	running, ok, err := f.store.GetRunningRun(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, running.ID)

	close(release)
	require.Eventually(t, func() bool { return !f.eng.Running(j.ID) }, time.Second, 5*time.Millisecond)

	run, err := f.eng.RunNow(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, run.Status)

	runs, err := f.store.ListRuns(ctx, j.ID, storage.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestConcurrentTriggersAdmitOneRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	j := f.job(t, "contended", blocker(nil, release))

	var accepted, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.TriggerManually(context.Background(), j.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case errx.Is(err, errx.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()
	close(release)

	assert.EqualValues(t, 1, accepted)
	assert.EqualValues(t, 19, conflicts)
}

func TestDistinctJobsRunConcurrently(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	a := f.job(t, "a", blocker(started, release))
	b := f.job(t, "b", blocker(started, release))

	_, err := f.eng.TriggerManually(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = f.eng.TriggerManually(context.Background(), b.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs did not start concurrently")
		}
	}
	assert.Equal(t, []int64{a.ID, b.ID}, f.eng.Snapshot().Running)
	close(release)
}

func TestStoreLevelRunningRecordBlocksAndIsRecovered(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	j, _, err := st.UpsertJob(ctx, storage.JobSpec{Name: "stale", CronExpression: "@hourly", HandlerRef: "stale", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, st.CreateRun(ctx, storage.RunRecord{ID: "left-over", JobID: j.ID, Trigger: storage.TriggerScheduled, StartedAt: time.Now().Add(-time.Hour)}))

	handlers := handlerMap{"stale": func(context.Context) error { return nil }}

	plain := New(Config{}, st, handlers, &recordedOutcomes{}, logx.Nop(), nil)
	require.NoError(t, plain.Start(ctx))
	_, err = plain.TriggerManually(ctx, j.ID)
	assert.True(t, errx.Is(err, errx.ErrConflict))
	require.NoError(t, plain.Stop(ctx))

	recovering := New(Config{RecoverInterrupted: true}, st, handlers, &recordedOutcomes{}, logx.Nop(), nil)
	require.NoError(t, recovering.Start(ctx))
	defer func() { _ = recovering.Stop(ctx) }()

	runs, err := st.ListRuns(ctx, j.ID, storage.LogFilter{Status: storage.RunFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, InterruptedReason, runs[0].Error)

	run, err := recovering.RunNow(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, run.Status)
}

func TestRunTimeoutCancelsHandlerContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RunTimeout: 20 * time.Millisecond})
	j := f.job(t, "hangs", blocker(nil, make(chan struct{})))

	run, err := f.eng.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Contains(t, run.Error, "deadline exceeded")
}

func TestStopWaitsForRunsThenRejects(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	j, _, err := st.UpsertJob(ctx, storage.JobSpec{Name: "tail", CronExpression: "@hourly", HandlerRef: "tail", Enabled: true})
	require.NoError(t, err)

	var finished atomic.Bool
	handlers := handlerMap{"tail": func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}}
	eng := New(Config{}, st, handlers, &recordedOutcomes{}, logx.Nop(), nil)
	require.NoError(t, eng.Start(ctx))

	_, err = eng.TriggerManually(ctx, j.ID)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(stopCtx))
	assert.True(t, finished.Load())

	_, err = eng.TriggerManually(ctx, j.ID)
	assert.ErrorIs(t, err, ErrStopped)

	last, ok, err := st.LastRun(ctx, j.ID, storage.RunSuccess)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, last.CompletedAt)
}
