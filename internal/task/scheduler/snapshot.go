package scheduler

import (
	"sort"
	"time"
)

// Snapshot lists the live timers, sorted by job name.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	c := s.c
	loc := s.loc
	items := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := ScheduleInfo{JobID: e.jobID, Name: e.name, Expr: e.expr}
		if c != nil && e.entryID != 0 {
			ce := c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		if it.Next.IsZero() {
			it.Next = e.sched.Next(time.Now().In(loc))
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  loc.String(),
		Schedules: items,
	}
}
