package app

import (
	"context"
	"sync/atomic"
	"time"

	"jobrunner/internal/storage"
	"jobrunner/internal/task/registry"
	logx "jobrunner/pkg/logx"
)

// PruneJobName is the built-in job deleting old run records.
const PruneJobName = "runlog.prune"

// pruner holds the retention read by the prune job on every run, so a config
// reload changes it without re-registering.
type pruner struct {
	store     storage.RunStore
	log       logx.Logger
	retention atomic.Int64 // nanoseconds; 0 disables
	now       func() time.Time
}

func newPruner(store storage.RunStore, retention time.Duration, log logx.Logger) *pruner {
	p := &pruner{store: store, log: log, now: time.Now}
	p.setRetention(retention)
	return p
}

func (p *pruner) setRetention(d time.Duration) { p.retention.Store(int64(d)) }

func (p *pruner) run(ctx context.Context) error {
	retention := time.Duration(p.retention.Load())
	if retention <= 0 {
		p.log.Debug("run log pruning disabled")
		return nil
	}
	cutoff := p.now().Add(-retention)
	n, err := p.store.PruneRuns(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info("run log pruned", logx.Int64("deleted", n), logx.Time("before", cutoff))
	}
	return nil
}

func (p *pruner) definition(cron string) registry.Definition {
	return registry.Job(PruneJobName).
		Cron(cron).
		Describe("Delete completed run records older than maintenance.run_retention").
		Handle(p.run)
}
