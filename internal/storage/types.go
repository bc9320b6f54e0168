package storage

import (
	"errors"
	"sort"
	"time"
)

// ErrDisabled is returned by AppendAudit when auditing is turned off.
var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON ledger + JSON Lines audit (default)
//   - "sqlite": SQLite database file
//   - "none": in-memory ledger, no audit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Ledger maps date (YYYY-MM-DD) -> scope -> conversation ids.
type Ledger map[string]map[string][]string

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for date, scopes := range l {
		m := make(map[string][]string, len(scopes))
		for scope, ids := range scopes {
			m[scope] = append([]string(nil), ids...)
		}
		out[date] = m
	}
	return out
}

// Dates returns the ledger's dates in ascending order.
func (l Ledger) Dates() []string {
	out := make([]string, 0, len(l))
	for d := range l {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// AuditEntry records one completed fan-out or ledger change.
type AuditEntry struct {
	At       time.Time `json:"at"`
	RecordID string    `json:"record_id,omitempty"`
	Plugin   string    `json:"plugin"`
	Action   string    `json:"action"`
	ChatID   string    `json:"chat_id,omitempty"`
	ActorID  string    `json:"actor_id,omitempty"`
	Targets  []string  `json:"targets,omitempty"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}
