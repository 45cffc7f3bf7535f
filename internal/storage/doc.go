// Package storage persists job definitions and their run history.
//
// It provides:
//   - The Schedule Store: one JobDefinition per registered job, unique on name,
//     holding schedule metadata and rolling run statistics.
//   - The Run Log Store: append-only RunRecords, one per execution attempt,
//     with at most one RUNNING record per job.
//
// Drivers: "memory" (default, non-durable), "sqlite" (modernc.org/sqlite) and
// "postgres" (github.com/lib/pq).
package storage
