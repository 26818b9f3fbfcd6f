// Package storage is the job store: the single source of truth for job
// definitions, their parameters and the scheduler's configuration values.
//
// Every state transition is a single-row UPDATE that must affect exactly one
// row, or a locking read plus write inside one short transaction (claim and
// unscheduled promotion). Backends:
//   - "sqlite": modernc.org/sqlite, BEGIN IMMEDIATE transactions, one connection
//   - "postgres": pgx pool, SELECT ... FOR UPDATE SKIP LOCKED
package storage
