// Package storage persists the authorization ledger and the delivery audit
// trail.
//
// Drivers:
//   - file: a JSON ledger document plus an append-only JSON Lines audit log
//   - sqlite: a single SQLite database (modernc.org/sqlite, no cgo)
//   - none: ledger kept in memory, audit disabled
package storage
