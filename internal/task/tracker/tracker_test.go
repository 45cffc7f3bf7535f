package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/notifier"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/admin"
	"jobrunner/internal/task/scheduler"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (f *fakeNotifier) Notify(_ context.Context, a notifier.Alert) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) priorities() []notifier.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notifier.Priority, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a.Priority)
	}
	return out
}

type fakeScheduler struct {
	mu     sync.Mutex
	synced []int64
}

func (f *fakeScheduler) Schedule(_ context.Context, jobID int64) error {
	f.mu.Lock()
	f.synced = append(f.synced, jobID)
	f.mu.Unlock()
	return nil
}

type fixture struct {
	store storage.Store
	sched *fakeScheduler
	note  *fakeNotifier
	tr    *Tracker
	job   storage.JobDefinition
}

func newFixture(t *testing.T, notifyOnFailure bool) *fixture {
	t.Helper()
	st := storage.NewMemory()
	j, _, err := st.UpsertJob(context.Background(), storage.JobSpec{
		Name: "sync", CronExpression: "@hourly", HandlerRef: "sync", Enabled: true, NotifyOnFailure: notifyOnFailure,
	})
	require.NoError(t, err)
	f := &fixture{store: st, sched: &fakeScheduler{}, note: &fakeNotifier{}, job: j}
	f.tr = New(st, f.sched, f.note, logx.Nop(), eventbus.New())
	return f
}

func TestThreeFailuresAutoDisableWithOneUrgentAlert(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	var j storage.JobDefinition
	var err error
	for i := 0; i < 3; i++ {
		j, err = f.tr.Failure(ctx, f.job.ID, errx.New("boom"))
		require.NoError(t, err)
	}
	assert.False(t, j.Enabled)
	assert.EqualValues(t, 3, j.ConsecutiveFailures)
	assert.Equal(t, []int64{f.job.ID}, f.sched.synced)
	// notifyOnFailure is off: only the URGENT alert.
	assert.Equal(t, []notifier.Priority{notifier.PriorityUrgent}, f.note.priorities())

	stored, err := f.store.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	// A further failure on the disabled job does not alert again.
	_, err = f.tr.Failure(ctx, f.job.ID, errx.New("boom"))
	require.NoError(t, err)
	assert.Len(t, f.note.priorities(), 1)
}

func TestFailurePriorityEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.tr.Failure(ctx, f.job.ID, errx.New("boom"))
		require.NoError(t, err)
	}
	assert.Equal(t, []notifier.Priority{
		notifier.PriorityNormal,
		notifier.PriorityHigh,
		notifier.PriorityHigh,
		notifier.PriorityUrgent,
	}, f.note.priorities())

	f.note.mu.Lock()
	last := f.note.alerts[len(f.note.alerts)-1]
	f.note.mu.Unlock()
	assert.Equal(t, "boom", last.Metadata.Error)
	assert.EqualValues(t, 3, last.Metadata.ConsecutiveFailures)
	assert.Equal(t, "sync", last.Metadata.JobName)
}

func TestReEnabledJobCanBeAutoDisabledAgain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.tr.Failure(ctx, f.job.ID, errx.New("boom"))
		require.NoError(t, err)
	}
	_, err := f.store.SetEnabled(ctx, f.job.ID, true)
	require.NoError(t, err)

	j, err := f.tr.Failure(ctx, f.job.ID, errx.New("again"))
	require.NoError(t, err)
	assert.False(t, j.Enabled)
	assert.Equal(t, []notifier.Priority{notifier.PriorityUrgent, notifier.PriorityUrgent}, f.note.priorities())
}

func TestSuccessAfterFailureSendsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.tr.Failure(ctx, f.job.ID, errx.New("boom"))
	require.NoError(t, err)
	j, err := f.tr.Success(ctx, f.job.ID, 120*time.Millisecond)
	require.NoError(t, err)

	assert.EqualValues(t, 0, j.ConsecutiveFailures)
	assert.EqualValues(t, 1, j.SuccessCount)
	assert.InDelta(t, 120, j.AverageDurationMs, 0.001)
	assert.Equal(t, []notifier.Priority{notifier.PriorityNormal, notifier.PriorityNormal}, f.note.priorities())

	f.note.mu.Lock()
	assert.Contains(t, f.note.alerts[1].Title, "recovered")
	f.note.mu.Unlock()

	// A plain success raises nothing.
	_, err = f.tr.Success(ctx, f.job.ID, 80*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, f.note.priorities(), 2)
}

func TestSuccessWithoutNotifyOnFailureIsSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.tr.Failure(ctx, f.job.ID, errx.New("boom"))
	require.NoError(t, err)
	_, err = f.tr.Success(ctx, f.job.ID, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, f.note.priorities())
}

func TestConcurrentOutcomesAreSerialized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tr.Success(ctx, f.job.ID, 10*time.Millisecond)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	j, err := f.store.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, j.SuccessCount)
	assert.InDelta(t, 10, j.AverageDurationMs, 0.001)
	assert.Empty(t, f.tr.locks.locks)
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	_, err := f.tr.Failure(context.Background(), 404, errx.New("x"))
	assert.True(t, errx.Is(err, errx.ErrNotFound))
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

func newLiveScheduler(t *testing.T, st storage.Store) *scheduler.Service {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, st, logx.Nop(), nil)
	sched.Bind(scheduler.FirerFunc(func(int64) {}))
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { sched.Stop(context.Background()) })
	return sched
}

func TestAutoDisableInterleavedWithEnable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	j, _, err := st.UpsertJob(ctx, storage.JobSpec{Name: "sync", CronExpression: "@hourly", HandlerRef: "sync", Enabled: true})
	require.NoError(t, err)
	sched := newLiveScheduler(t, st)
	require.True(t, sched.IsScheduled(j.ID))

	adm := admin.New(st, sched, nil, logx.Nop())
	hooked := &enableOnDisable{Store: st}
	hooked.hook = func() {
		_, err := adm.EnableJob(ctx, j.ID)
		assert.NoError(t, err)
	}
	tr := New(hooked, sched, &fakeNotifier{}, logx.Nop(), nil)

	for i := 0; i < 3; i++ {
		_, err := tr.Failure(ctx, j.ID, errx.New("boom"))
		require.NoError(t, err)
	}

	// The enable landed last, so the job is enabled and armed.
	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, sched.IsScheduled(j.ID))
	assert.NotNil(t, got.NextRunAt)
}

func TestAutoDisableConcurrentWithEnableStaysConsistent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		st := storage.NewMemory()
		j, _, err := st.UpsertJob(ctx, storage.JobSpec{Name: "sync", CronExpression: "@hourly", HandlerRef: "sync", Enabled: true})
		require.NoError(t, err)
		sched := newLiveScheduler(t, st)
		adm := admin.New(st, sched, nil, logx.Nop())
		tr := New(st, sched, &fakeNotifier{}, logx.Nop(), nil)
		for k := 0; k < 2; k++ {
			_, err := tr.Failure(ctx, j.ID, errx.New("boom"))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = tr.Failure(ctx, j.ID, errx.New("boom")) }()
		go func() { defer wg.Done(); _, _ = adm.EnableJob(ctx, j.ID) }()
		wg.Wait()

		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Enabled, sched.IsScheduled(j.ID))
		assert.Equal(t, got.Enabled, got.NextRunAt != nil)
	}
}
