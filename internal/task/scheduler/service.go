package scheduler

import (
	"context"
	"strings"
	"time"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Parser accepts 5-field expressions, an optional leading seconds field and
// descriptors such as "@hourly" or "@every 5m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, store JobSource, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		parser:  Parser,
		entries: map[string]*entry{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Bind sets the component that receives fires. It must be called before Start.
func (s *Service) Bind(f Firer) {
	s.mu.Lock()
	s.firer = f
	s.mu.Unlock()
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Location returns the timezone used for timers and previews.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if oldTZ != newTZ {
		s.loc = s.loadLocationLocked()
		if s.c != nil {
			// Rebuild every timer in the new location.
			s.restartLocked(context.Background())
		}
	}
}

// Start creates the cron runner and schedules every enabled job in the store.
// It is a no-op when the scheduler is disabled by config.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))
	if !cur.Enabled {
		s.log.Warn("scheduler disabled; timers will not fire")
		return nil
	}

	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	n, err := s.scheduleAllLocked(ctx)
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
	return err
}

// Stop stops all timers. Persisted nextRunAt values are left as they are so
// the next Start recomputes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]*entry{}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
}

// scheduleAllLocked registers a timer for every enabled job and clears
// nextRunAt of disabled ones.
func (s *Service) scheduleAllLocked(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.log.Error("list jobs failed", logx.Err(err))
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if !j.Enabled {
			if j.NextRunAt != nil {
				_ = s.store.SetNextRunAt(ctx, j.ID, nil)
			}
			continue
		}
		if err := s.addLocked(ctx, j.ID, j.Name, j.CronExpression); err != nil {
			s.log.Error("schedule register failed", logx.String("job", j.Name), logx.String("expr", j.CronExpression), logx.Err(err))
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) restartLocked(ctx context.Context) {
	if s.c != nil {
		// Do not wait for in-flight fires: they take s.mu and are ignored once
		// their entry is gone.
		s.c.Stop()
	}
	s.entries = map[string]*entry{}
	s.c = s.newCronLocked()
	n, _ := s.scheduleAllLocked(ctx)
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
