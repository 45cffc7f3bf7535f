// Package engine is the execution coordinator.
//
// Every execution follows IDLE -> RUNNING -> {SUCCESS, FAILED} -> IDLE:
//
//  1. the job is loaded (unknown id: NotFound)
//  2. the per-job RunState gate and the run log's RUNNING check admit at most
//     one run per job (manual: Conflict; scheduled: silently skipped)
//  3. a RUNNING RunRecord is written
//  4. the handler is resolved and invoked in a supervised goroutine, panics
//     recovered as failures
//  5. the record is completed and the outcome handed to the tracker
//
// Handler errors never reach the trigger caller. Distinct jobs run
// concurrently; there is no worker pool to queue behind.
package engine
