// Package storage persists jobs, accounts and notifier dedup state.
//
// Drivers:
//   - "memory": process-local maps (default)
//   - "file": JSON snapshot + append-only journal per collection
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL through pgx
package storage
