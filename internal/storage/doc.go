// Package storage persists widget last-known state and an audit trail of
// operator commands, so a restarted process can resume without blanking
// dashboards.
//
// Drivers:
//   - file: JSON snapshot + append-only journal, compacted periodically
//   - sqlite: single database file (modernc.org/sqlite, no cgo)
package storage
