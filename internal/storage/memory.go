package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"jobrunner/pkg/errx"
)

// memoryStore keeps everything in process memory. A single mutex serializes
// all operations, which makes every read-modify-write atomic.
type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*JobDefinition
	byName map[string]int64
	runs   map[int64][]RunRecord // per job, in insertion (start) order
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		jobs:   map[int64]*JobDefinition{},
		byName: map[string]int64{},
		runs:   map[int64][]RunRecord{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) UpsertJob(ctx context.Context, spec JobSpec) (JobDefinition, bool, error) {
	_ = ctx
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return JobDefinition{}, false, errx.Validationf("job name required")
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byName[name]; ok {
		j := s.jobs[id]
		j.Description = spec.Description
		j.CronExpression = spec.CronExpression
		j.HandlerRef = spec.HandlerRef
		j.Locked = spec.Locked
		j.NotifyOnFailure = spec.NotifyOnFailure
		j.UpdatedAt = now
		return cloneJob(j), false, nil
	}

	s.nextID++
	j := &JobDefinition{
		ID:              s.nextID,
		Name:            name,
		Description:     spec.Description,
		CronExpression:  spec.CronExpression,
		HandlerRef:      spec.HandlerRef,
		Enabled:         spec.Enabled,
		Locked:          spec.Locked,
		NotifyOnFailure: spec.NotifyOnFailure,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.jobs[j.ID] = j
	s.byName[name] = j.ID
	return cloneJob(j), true, nil
}

func (s *memoryStore) GetJob(ctx context.Context, id int64) (JobDefinition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobDefinition{}, jobNotFound(id)
	}
	return cloneJob(j), nil
}

func (s *memoryStore) GetJobByName(ctx context.Context, name string) (JobDefinition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[strings.TrimSpace(name)]
	if !ok {
		return JobDefinition{}, jobNameNotFound(name)
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *memoryStore) ListJobs(ctx context.Context) ([]JobDefinition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *memoryStore) mutate(id int64, fn func(j *JobDefinition)) (JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobDefinition{}, jobNotFound(id)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), nil
}

func (s *memoryStore) SetEnabled(ctx context.Context, id int64, enabled bool) (JobDefinition, error) {
	_ = ctx
	return s.mutate(id, func(j *JobDefinition) { j.Enabled = enabled })
}

func (s *memoryStore) SetCronExpression(ctx context.Context, id int64, expr string) (JobDefinition, error) {
	_ = ctx
	return s.mutate(id, func(j *JobDefinition) { j.CronExpression = expr })
}

func (s *memoryStore) SetNextRunAt(ctx context.Context, id int64, next *time.Time) error {
	_ = ctx
	_, err := s.mutate(id, func(j *JobDefinition) { j.NextRunAt = cloneTime(next) })
	return err
}

func (s *memoryStore) RecordSuccess(ctx context.Context, id int64, durationMs float64, at time.Time) (Outcome, error) {
	_ = ctx
	var prev uint32
	j, err := s.mutate(id, func(j *JobDefinition) {
		prev = j.ConsecutiveFailures
		old := float64(j.SuccessCount)
		j.AverageDurationMs = (j.AverageDurationMs*old + durationMs) / (old + 1)
		j.SuccessCount++
		j.ConsecutiveFailures = 0
		j.LastRunAt = cloneTime(&at)
	})
	return Outcome{Job: j, PrevConsecutiveFailures: prev}, err
}

func (s *memoryStore) RecordFailure(ctx context.Context, id int64, at time.Time) (Outcome, error) {
	_ = ctx
	var prev uint32
	j, err := s.mutate(id, func(j *JobDefinition) {
		prev = j.ConsecutiveFailures
		j.FailureCount++
		j.ConsecutiveFailures++
		j.LastRunAt = cloneTime(&at)
	})
	return Outcome{Job: j, PrevConsecutiveFailures: prev}, err
}

func (s *memoryStore) CreateRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[r.JobID]; !ok {
		return jobNotFound(r.JobID)
	}
	for _, existing := range s.runs[r.JobID] {
		if existing.Status == RunRunning {
			return runAlreadyRunning(r.JobID)
		}
	}
	r.Status = RunRunning
	s.runs[r.JobID] = append(s.runs[r.JobID], cloneRun(r))
	return nil
}

func (s *memoryStore) CompleteRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.Status == RunRunning || !r.Status.Valid() {
		return errx.Validationf("invalid final status %q", r.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[r.JobID]
	for i := range runs {
		if runs[i].ID != r.ID {
			continue
		}
		if runs[i].Status != RunRunning {
			return errx.Conflictf("run %s already completed", r.ID)
		}
		runs[i].Status = r.Status
		runs[i].CompletedAt = cloneTime(r.CompletedAt)
		runs[i].DurationMs = cloneInt(r.DurationMs)
		runs[i].Error = r.Error
		runs[i].StackTrace = r.StackTrace
		return nil
	}
	return errx.NotFoundf("run %s not found", r.ID)
}

func (s *memoryStore) GetRunningRun(ctx context.Context, jobID int64) (RunRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs[jobID] {
		if r.Status == RunRunning {
			return cloneRun(r), true, nil
		}
	}
	return RunRecord{}, false, nil
}

func (s *memoryStore) ListRuns(ctx context.Context, jobID int64, f LogFilter) ([]RunRecord, error) {
	_ = ctx
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]RunRecord, 0)
	for _, r := range s.runs[jobID] {
		if f.match(r) {
			matched = append(matched, cloneRun(r))
		}
	}
	sort.SliceStable(matched, func(i, k int) bool { return matched[i].StartedAt.After(matched[k].StartedAt) })
	if f.Offset >= len(matched) {
		return []RunRecord{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *memoryStore) LastRun(ctx context.Context, jobID int64, status RunStatus) (RunRecord, bool, error) {
	runs, err := s.ListRuns(ctx, jobID, LogFilter{Status: status, Limit: 1})
	if err != nil || len(runs) == 0 {
		return RunRecord{}, false, err
	}
	return runs[0], true, nil
}

func (s *memoryStore) FailInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jobID, runs := range s.runs {
		for i := range runs {
			if runs[i].Status != RunRunning {
				continue
			}
			d := at.Sub(runs[i].StartedAt).Milliseconds()
			runs[i].Status = RunFailed
			runs[i].CompletedAt = cloneTime(&at)
			runs[i].DurationMs = &d
			runs[i].Error = reason
			n++
		}
		s.runs[jobID] = runs
	}
	return n, nil
}

func (s *memoryStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jobID, runs := range s.runs {
		kept := runs[:0]
		for _, r := range runs {
			if r.Status != RunRunning && r.StartedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		s.runs[jobID] = kept
	}
	return n, nil
}

func cloneJob(j *JobDefinition) JobDefinition {
	out := *j
	out.LastRunAt = cloneTime(j.LastRunAt)
	out.NextRunAt = cloneTime(j.NextRunAt)
	return out
}

func cloneRun(r RunRecord) RunRecord {
	r.CompletedAt = cloneTime(r.CompletedAt)
	r.DurationMs = cloneInt(r.DurationMs)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}
