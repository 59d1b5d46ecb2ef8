// Package store provides SQLite-backed durable storage for the environment
// registry and the refresh and chain run history.
//
// The store holds three tables:
//   - environments: one row per environment incarnation
//   - refresh_runs: terminated refresh state machine runs
//   - chain_runs: stopped task chain cycles
//
// # Invariants
//
// Enforced by triggers in the schema, not only by callers:
//   - An environment's identity columns never change; only status moves, and
//     DELETED is final.
//   - A name has at most one incarnation that is not DELETED.
//   - Run history is insert-only: updates and deletes abort.
//
// All list queries order by the insertion seq so results are deterministic.
// Timestamps are stored as UTC Unix nanoseconds.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Schema changes are goose migrations embedded from migrations/.
package store
