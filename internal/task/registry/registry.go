// Package registry binds job names to handler functions and persists their
// definitions.
//
// Jobs are declared with a builder and registered at startup:
//
//	reg.RegisterAll(ctx,
//	    registry.Job("reports.daily").Cron("0 6 * * *").Describe("Daily report").Handle(runReport),
//	)
//
// A definition with a bad cron expression is skipped with a warning; the
// remaining definitions are still registered.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"jobrunner/internal/storage"
	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

// Handler is a job body. A nil return is success.
type Handler func(ctx context.Context) error

// Spec is the registration-time metadata of a job.
type Spec struct {
	Name            string
	Description     string
	CronExpression  string
	Locked          bool
	NotifyOnFailure bool
}

// Definition pairs a Spec with its handler.
type Definition struct {
	Spec    Spec
	Handler Handler
}

// Builder assembles a Definition.
type Builder struct{ def Definition }

// Job starts a definition for name. Failure notifications are on by default.
func Job(name string) *Builder {
	return &Builder{def: Definition{Spec: Spec{Name: name, NotifyOnFailure: true}}}
}

func (b *Builder) Cron(expr string) *Builder     { b.def.Spec.CronExpression = expr; return b }
func (b *Builder) Describe(text string) *Builder { b.def.Spec.Description = text; return b }

// Locked forbids runtime changes to the cron expression.
func (b *Builder) Locked() *Builder { b.def.Spec.Locked = true; return b }

// Quiet turns off failure and recovery notifications. Auto-disable alerts
// are still sent.
func (b *Builder) Quiet() *Builder { b.def.Spec.NotifyOnFailure = false; return b }

// Handle finishes the definition.
func (b *Builder) Handle(h Handler) Definition {
	b.def.Handler = h
	return b.def
}

// Scheduler is what the registry needs from the scheduler.
type Scheduler interface {
	Validate(expr string) error
	Schedule(ctx context.Context, jobID int64) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	store storage.JobStore
	sched Scheduler
	log   logx.Logger
}

func New(store storage.JobStore, sched Scheduler, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{handlers: map[string]Handler{}, store: store, sched: sched, log: log}
}

// Register validates spec, binds h under spec.Name, upserts the job
// definition and (re)schedules it when enabled. Rejected registrations are
// marked errx.ErrDiscovery.
func (r *Registry) Register(ctx context.Context, spec Spec, h Handler) (storage.JobDefinition, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.CronExpression = strings.TrimSpace(spec.CronExpression)
	if spec.Name == "" {
		return storage.JobDefinition{}, errx.Discoveryf("job name required")
	}
	if h == nil {
		r.log.Warn("job skipped: no handler", logx.String("job", spec.Name))
		return storage.JobDefinition{}, errx.Discoveryf("job %q has no handler", spec.Name)
	}
	if err := r.sched.Validate(spec.CronExpression); err != nil {
		r.log.Warn("job skipped: invalid cron expression", logx.String("job", spec.Name), logx.String("expr", spec.CronExpression), logx.Err(err))
		return storage.JobDefinition{}, errx.Discovery(err, spec.Name)
	}

	// Bind first so a timer armed below always finds its handler.
	r.mu.Lock()
	prev, hadPrev := r.handlers[spec.Name]
	r.handlers[spec.Name] = h
	r.mu.Unlock()

	j, created, err := r.store.UpsertJob(ctx, storage.JobSpec{
		Name:            spec.Name,
		Description:     spec.Description,
		CronExpression:  spec.CronExpression,
		HandlerRef:      spec.Name,
		Locked:          spec.Locked,
		NotifyOnFailure: spec.NotifyOnFailure,
		Enabled:         true,
	})
	if err != nil {
		r.mu.Lock()
		if hadPrev {
			r.handlers[spec.Name] = prev
		} else {
			delete(r.handlers, spec.Name)
		}
		r.mu.Unlock()
		return storage.JobDefinition{}, errx.Wrapf(err, "upsert job %q", spec.Name)
	}
	if err := r.sched.Schedule(ctx, j.ID); err != nil {
		return j, errx.Wrapf(err, "schedule job %q", spec.Name)
	}
	if created {
		r.log.Info("job registered", logx.String("job", j.Name), logx.String("expr", j.CronExpression), logx.Bool("locked", j.Locked))
	} else {
		r.log.Debug("job updated", logx.String("job", j.Name), logx.String("expr", j.CronExpression), logx.Bool("enabled", j.Enabled))
	}
	return j, nil
}

// RegisterAll registers every definition, continuing past failures. Store
// and scheduler failures are returned joined and take precedence; when only
// definitions were rejected the result is the joined errx.ErrDiscovery errors.
func (r *Registry) RegisterAll(ctx context.Context, defs ...Definition) error {
	var rejected, failed error
	for _, d := range defs {
		_, err := r.Register(ctx, d.Spec, d.Handler)
		switch {
		case err == nil:
		case errx.Is(err, errx.ErrDiscovery):
			rejected = errx.Join(rejected, err)
		default:
			failed = errx.Join(failed, err)
		}
	}
	if failed != nil {
		if rejected != nil {
			r.log.Warn("job definitions rejected", logx.Err(rejected))
		}
		return failed
	}
	return rejected
}

// Lookup resolves a handler reference.
func (r *Registry) Lookup(ref string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.TrimSpace(ref)]
	return h, ok
}

// Names lists bound handler references, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
