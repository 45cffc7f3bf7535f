package admin

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/notifier"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/registry"
	"jobrunner/internal/task/scheduler"
	"jobrunner/internal/task/tracker"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alerts struct {
	mu   sync.Mutex
	sent []notifier.Alert
}

func (a *alerts) Notify(_ context.Context, al notifier.Alert) error {
	a.mu.Lock()
	a.sent = append(a.sent, al)
	a.mu.Unlock()
	return nil
}

func (a *alerts) byPriority(p notifier.Priority) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.sent {
		if al.Priority == p {
			n++
		}
	}
	return n
}

type stack struct {
	store  storage.Store
	sched  *scheduler.Service
	eng    *engine.Service
	reg    *registry.Registry
	alerts *alerts
	admin  *Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New()
	st := storage.NewMemory()
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, st, logx.Nop(), bus)
	al := &alerts{}
	tr := tracker.New(st, sched, al, logx.Nop(), bus)
	reg := registry.New(st, sched, logx.Nop())
	eng := engine.New(engine.Config{}, st, reg, tr, logx.Nop(), bus)
	sched.Bind(eng)

	require.NoError(t, sched.Start(ctx))
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(sctx)
		_ = eng.Stop(sctx)
	})

	return &stack{
		store:  st,
		sched:  sched,
		eng:    eng,
		reg:    reg,
		alerts: al,
		admin:  New(st, sched, eng, logx.Nop()),
	}
}

func (s *stack) register(t *testing.T, d registry.Definition) storage.JobDefinition {
	t.Helper()
	j, err := s.reg.Register(context.Background(), d.Spec, d.Handler)
	require.NoError(t, err)
	return j
}

func (s *stack) runAndWait(t *testing.T, id int64) {
	t.Helper()
	_, err := s.eng.RunNow(context.Background(), id)
	require.NoError(t, err)
}

func TestStatisticsEmptyJob(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	j := s.register(t, registry.Job("idle").Cron("@hourly").Handle(func(context.Context) error { return nil }))

	st, err := s.admin.GetStatistics(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Zero(t, st.TotalExecutions)
	assert.Zero(t, st.SuccessRate)
	assert.Nil(t, st.LastSuccess)
	assert.Nil(t, st.LastFailure)
}

func TestStatisticsAllSuccessful(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	j := s.register(t, registry.Job("ok").Cron("@hourly").Handle(func(context.Context) error { return nil }))

	s.runAndWait(t, j.ID)
	s.runAndWait(t, j.ID)

	st, err := s.admin.GetStatistics(context.Background(), j.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalExecutions)
	assert.InDelta(t, 100.0, st.SuccessRate, 1e-9)
	require.NotNil(t, st.LastSuccess)
	assert.Equal(t, storage.RunSuccess, st.LastSuccess.Status)
	assert.Nil(t, st.LastFailure)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestStatisticsMixed(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	fail := true
	var mu sync.Mutex
	j := s.register(t, registry.Job("flaky").Cron("@hourly").Handle(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errx.New("flaked")
		}
		return nil
	}))

	s.runAndWait(t, j.ID)
	mu.Lock()
	fail = false
	mu.Unlock()
	s.runAndWait(t, j.ID)
	s.runAndWait(t, j.ID)
	s.runAndWait(t, j.ID)

	st, err := s.admin.GetStatistics(context.Background(), j.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.TotalExecutions)
	assert.InDelta(t, 75.0, st.SuccessRate, 1e-9)
	require.NotNil(t, st.LastFailure)
	assert.Equal(t, "flaked", st.LastFailure.Error)
	require.NotNil(t, st.LastSuccess)
	assert.True(t, !st.LastSuccess.StartedAt.Before(st.LastFailure.StartedAt))
}

func TestStatisticsUnknownJob(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	_, err := s.admin.GetStatistics(context.Background(), 404)
	assert.True(t, errx.Is(err, errx.ErrNotFound))
}

func TestUpdateScheduleLockedJob(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	j := s.register(t, registry.Job("pinned").Cron("0 3 * * *").Locked().Handle(func(context.Context) error { return nil }))

	_, err := s.admin.UpdateSchedule(context.Background(), j.ID, "*/5 * * * *")
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.ErrConflict))

	got, err := s.admin.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.CronExpression)
}

func TestUpdateScheduleInvalidExpression(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	j := s.register(t, registry.Job("report").Cron("0 3 * * *").Handle(func(context.Context) error { return nil }))

	_, err := s.admin.UpdateSchedule(context.Background(), j.ID, "every tuesday")
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.ErrValidation))

	got, err := s.admin.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.CronExpression)
	assert.True(t, s.sched.IsScheduled(j.ID))
}

func TestUpdateScheduleReschedules(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("report").Cron("0 3 1 1 *").Handle(func(context.Context) error { return nil }))
	before, err := s.admin.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, before.NextRunAt)

	got, err := s.admin.UpdateSchedule(ctx, j.ID, " */5 * * * * ")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.CronExpression)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Before(*before.NextRunAt))
	assert.LessOrEqual(t, time.Until(*got.NextRunAt), 5*time.Minute)
}

func TestUpdateScheduleDisabledJobStaysUnscheduled(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("report").Cron("@hourly").Handle(func(context.Context) error { return nil }))
	_, err := s.admin.DisableJob(ctx, j.ID)
	require.NoError(t, err)

	got, err := s.admin.UpdateSchedule(ctx, j.ID, "@daily")
	require.NoError(t, err)
	assert.Equal(t, "@daily", got.CronExpression)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
	assert.False(t, s.sched.IsScheduled(j.ID))
}

func TestUpdateScheduleUnknownJob(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	_, err := s.admin.UpdateSchedule(context.Background(), 99, "@daily")
	assert.True(t, errx.Is(err, errx.ErrNotFound))
}

func TestEnableDisableIdempotent(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("sync").Cron("@hourly").Handle(func(context.Context) error { return nil }))

	for i := 0; i < 2; i++ {
		got, err := s.admin.DisableJob(ctx, j.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Nil(t, got.NextRunAt)
		assert.False(t, s.sched.IsScheduled(j.ID))
	}
	for i := 0; i < 2; i++ {
		got, err := s.admin.EnableJob(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.NotNil(t, got.NextRunAt)
		assert.True(t, s.sched.IsScheduled(j.ID))
	}
	assert.Len(t, s.sched.Snapshot().Schedules, 1)
}

func TestEnableDisableRace(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("sync").Cron("@hourly").Handle(func(context.Context) error { return nil }))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = s.admin.EnableJob(ctx, j.ID) }()
		go func() { defer wg.Done(); _, _ = s.admin.DisableJob(ctx, j.ID) }()
	}
	wg.Wait()

	got, err := s.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Enabled, s.sched.IsScheduled(j.ID))
	assert.Equal(t, got.Enabled, got.NextRunAt != nil)

	got, err = s.admin.EnableJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, s.sched.IsScheduled(j.ID))
	assert.Len(t, s.sched.Snapshot().Schedules, 1)
}

// enableOnDisable runs hook right after the first SetEnabled(false).
type enableOnDisable struct {
	storage.Store
	once sync.Once
	hook func()
}

func (s *enableOnDisable) SetEnabled(ctx context.Context, id int64, enabled bool) (storage.JobDefinition, error) {
	j, err := s.Store.SetEnabled(ctx, id, enabled)
	if err == nil && !enabled && s.hook != nil {
		s.once.Do(s.hook)
	}
	return j, err
}

func TestDisableInterleavedWithEnable(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("sync").Cron("@hourly").Handle(func(context.Context) error { return nil }))

	hooked := &enableOnDisable{Store: s.store}
	hooked.hook = func() {
		_, err := s.admin.EnableJob(ctx, j.ID)
		assert.NoError(t, err)
	}
	adm := New(hooked, s.sched, s.eng, logx.Nop())

	// The enable lands between the flag write and the timer sync and wins.
	got, err := adm.DisableJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, s.sched.IsScheduled(j.ID))
}

func TestScheduledFireOnDisabledJobDoesNotRun(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	ran := make(chan struct{}, 1)
	j := s.register(t, registry.Job("sync").Cron("@hourly").Handle(func(context.Context) error {
		ran <- struct{}{}
		return nil
	}))
	_, err := s.store.SetEnabled(ctx, j.ID, false)
	require.NoError(t, err)

	s.eng.Fire(j.ID)
	snap := s.eng.Snapshot()
	assert.Empty(t, snap.Running)
	assert.Zero(t, snap.Completed+snap.Failed+snap.Skipped)
	select {
	case <-ran:
		t.Fatal("disabled job ran on a scheduled fire")
	case <-time.After(50 * time.Millisecond):
	}
	runs, err := s.store.ListRuns(ctx, j.ID, storage.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEnableUnknownJob(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	_, err := s.admin.EnableJob(context.Background(), 7)
	assert.True(t, errx.Is(err, errx.ErrNotFound))
	_, err = s.admin.DisableJob(context.Background(), 7)
	assert.True(t, errx.Is(err, errx.ErrNotFound))
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	bad := s.admin.ValidateSchedule("not a cron")
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Error)
	assert.Empty(t, bad.NextExecutions)

	empty := s.admin.ValidateSchedule("")
	assert.False(t, empty.Valid)

	good := s.admin.ValidateSchedule("*/5 * * * *")
	require.True(t, good.Valid)
	assert.Empty(t, good.Error)
	require.Len(t, good.NextExecutions, PreviewCount)
	now := time.Now()
	for i, ts := range good.NextExecutions {
		assert.True(t, ts.After(now), "execution %d is in the future", i)
		assert.Zero(t, ts.Minute()%5)
		if i > 0 {
			assert.Equal(t, 5*time.Minute, ts.Sub(good.NextExecutions[i-1]))
		}
	}
}

func TestTriggerManuallyTwiceConflicts(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	release := make(chan struct{})
	j := s.register(t, registry.Job("cleanup").Cron("* * * * *").Handle(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	first, err := s.admin.TriggerManually(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunRunning, first.Status)

	_, err = s.admin.TriggerManually(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.ErrConflict))

	logs, err := s.admin.GetLogs(ctx, j.ID, storage.LogFilter{Status: storage.RunRunning})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	close(release)
	require.Eventually(t, func() bool { return !s.eng.Running(j.ID) }, 2*time.Second, 5*time.Millisecond)
}

func TestThreeFailuresAutoDisable(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("broken").Cron("@hourly").Handle(func(context.Context) error { return errx.New("boom") }))

	for i := 0; i < 3; i++ {
		s.runAndWait(t, j.ID)
	}

	got, err := s.admin.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.EqualValues(t, 3, got.ConsecutiveFailures)
	assert.Nil(t, got.NextRunAt)
	assert.False(t, s.sched.IsScheduled(j.ID))
	assert.Equal(t, 1, s.alerts.byPriority(notifier.PriorityUrgent))

	logs, err := s.admin.GetLogs(ctx, j.ID, storage.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 3, "history stays queryable")
}

func TestFailureThenSuccessRecovers(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	var mu sync.Mutex
	fail := true
	j := s.register(t, registry.Job("flaky").Cron("@hourly").Handle(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errx.New("down")
		}
		return nil
	}))

	s.runAndWait(t, j.ID)
	mu.Lock()
	fail = false
	mu.Unlock()
	s.runAndWait(t, j.ID)

	got, err := s.admin.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.Equal(t, 2, s.alerts.byPriority(notifier.PriorityNormal), "one failure and one recovered notification")
}

func TestGetLogsFiltersAndOrder(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()
	j := s.register(t, registry.Job("tick").Cron("@hourly").Quiet().Handle(func(context.Context) error { return nil }))
	for i := 0; i < 4; i++ {
		s.runAndWait(t, j.ID)
		time.Sleep(2 * time.Millisecond)
	}

	logs, err := s.admin.GetLogs(ctx, j.ID, storage.LogFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, !logs[0].StartedAt.Before(logs[1].StartedAt))

	failed, err := s.admin.GetLogs(ctx, j.ID, storage.LogFilter{Status: storage.RunFailed})
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = s.admin.GetLogs(ctx, j.ID, storage.LogFilter{Status: "BOGUS"})
	assert.True(t, errx.Is(err, errx.ErrValidation))

	from := time.Now()
	to := from.Add(-time.Hour)
	_, err = s.admin.GetLogs(ctx, j.ID, storage.LogFilter{StartDate: &from, EndDate: &to})
	assert.True(t, errx.Is(err, errx.ErrValidation))

	_, err = s.admin.GetLogs(ctx, 999, storage.LogFilter{})
	assert.True(t, errx.Is(err, errx.ErrNotFound))
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	s.register(t, registry.Job("b").Cron("@hourly").Handle(func(context.Context) error { return nil }))
	s.register(t, registry.Job("a").Cron("@daily").Handle(func(context.Context) error { return nil }))

	jobs, err := s.admin.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "b", jobs[1].Name)
}
