package storage

import (
	"context"
	"sync"
)

type memStore struct {
	mu     sync.Mutex
	ledger Ledger
}

// NewMemory returns a store that keeps the ledger in memory and discards audit
// entries.
func NewMemory() Store { return &memStore{ledger: Ledger{}} }

func (s *memStore) LoadLedger(context.Context) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Clone(), nil
}

func (s *memStore) SaveLedger(_ context.Context, l Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = l.Clone()
	return nil
}

func (s *memStore) AppendAudit(context.Context, AuditEntry) error { return ErrDisabled }

func (s *memStore) Close() error { return nil }
