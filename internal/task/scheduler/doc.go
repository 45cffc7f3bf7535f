// Package scheduler owns the live cron timers of enabled jobs.
//
// The scheduler is responsible only for:
//   - keeping one timer per enabled job (Schedule / Unschedule)
//   - computing and persisting next fire times
//   - handing fires to the execution coordinator
//
// It never executes handlers itself.
package scheduler
