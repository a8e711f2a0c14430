// Package storage persists destinations, campaigns, creatives, rotation
// cursors and sent-message tracking.
//
// Drivers:
//   - "memory": process-local maps (tests, single-process dev runs)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx pool, shared by many workers
//
// Every mutation of a destination is a single read-modify-write against its
// record; there is no in-process locking across workers.
package storage
