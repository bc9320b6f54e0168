package storage

import (
	"context"
	"errors"
	"strings"

	logx "relaybot/pkg/logx"
)

// Store is the persistence API used by the ledger and the forward engine.
type Store interface {
	// LoadLedger returns the full ledger. A missing ledger is empty, not an error.
	LoadLedger(ctx context.Context) (Ledger, error)
	// SaveLedger replaces the persisted ledger.
	SaveLedger(ctx context.Context, l Ledger) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none", "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
