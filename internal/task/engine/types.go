package engine

import (
	"context"
	"sync"
	"time"

	"jobrunner/internal/storage"
	"jobrunner/internal/task/registry"
)

// Config controls the execution coordinator.
type Config struct {
	// RunTimeout bounds the handler context. 0 disables the deadline. The
	// run still completes only when the handler returns.
	RunTimeout time.Duration

	// RecoverInterrupted completes RUNNING records left by a previous
	// process as FAILED at Start.
	RecoverInterrupted bool
}

// Store is the persistence the coordinator needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (storage.JobDefinition, error)
	CreateRun(ctx context.Context, r storage.RunRecord) error
	CompleteRun(ctx context.Context, r storage.RunRecord) error
	FailInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error)
}

// Handlers resolves handler references.
type Handlers interface {
	Lookup(ref string) (registry.Handler, bool)
}

// Outcomes receives final run results (the tracker).
type Outcomes interface {
	Success(ctx context.Context, jobID int64, d time.Duration) (storage.JobDefinition, error)
	Failure(ctx context.Context, jobID int64, runErr error) (storage.JobDefinition, error)
}

// RunState tracks whether a job is already in-flight in this process.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *RunState) running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// RunEvent is emitted on the event bus for run lifecycle events.
type RunEvent struct {
	RunID      string            `json:"runId,omitempty"`
	JobID      int64             `json:"jobId"`
	Name       string            `json:"name"`
	Trigger    storage.Trigger   `json:"trigger"`
	Status     storage.RunStatus `json:"status,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Started   bool    `json:"started"`
	Running   []int64 `json:"running"`
	Completed uint64  `json:"completed"`
	Failed    uint64  `json:"failed"`
	Skipped   uint64  `json:"skipped"`
	Panics    uint64  `json:"panics"`
}
