package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobrunner/internal/eventbus"
	rtsup "jobrunner/internal/runtime/supervisor"
	logx "jobrunner/pkg/logx"
)

// InterruptedReason is the error text of runs failed by interrupted-run recovery.
const InterruptedReason = "interrupted: process restarted before the run completed"

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    Store
	handlers Handlers
	outcomes Outcomes

	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup

	stateMu sync.Mutex
	states  map[int64]*RunState

	completed uint64
	failed    uint64
	skipped   uint64
	panics    uint64

	now func() time.Time
}

func New(cfg Config, store Store, handlers Handlers, outcomes Outcomes, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		handlers: handlers,
		outcomes: outcomes,
		states:   make(map[int64]*RunState),
		now:      time.Now,
	}
}

// Apply swaps the run timeout. Runs already in flight keep their deadline.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start recovers interrupted runs (when configured) and opens intake.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	if s.cfg.RecoverInterrupted {
		n, err := s.store.FailInterruptedRuns(ctx, InterruptedReason, s.now())
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Warn("interrupted runs marked failed", logx.Int64("runs", n))
		}
	}

	// The supervisor context is detached from ctx: runs are stopped by Stop only.
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.accepting = true
	s.log.Info("engine started", logx.Duration("run_timeout", s.cfg.RunTimeout))
	return nil
}

// Stop closes intake and waits for in-flight runs until ctx is done. On
// timeout the run contexts are canceled and Stop waits briefly for handlers
// that honor cancellation.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.accepting = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("engine stop timed out; canceling runs", logx.Err(err))
		sup.Cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	sup.Cancel()

	s.mu.Lock()
	if s.sup == sup {
		s.sup = nil
	}
	s.mu.Unlock()
	return err
}

func (s *Service) state(jobID int64) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[jobID]
	if st == nil {
		st = &RunState{}
		s.states[jobID] = st
	}
	return st
}

// Running reports whether jobID has a run in flight in this process.
func (s *Service) Running(jobID int64) bool {
	s.stateMu.Lock()
	st := s.states[jobID]
	s.stateMu.Unlock()
	return st.running()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	started := s.sup != nil
	s.mu.Unlock()

	s.stateMu.Lock()
	running := make([]int64, 0)
	for id, st := range s.states {
		if st.running() {
			running = append(running, id)
		}
	}
	s.stateMu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i] < running[j] })

	return Snapshot{
		Started:   started,
		Running:   running,
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		Skipped:   atomic.LoadUint64(&s.skipped),
		Panics:    atomic.LoadUint64(&s.panics),
	}
}
