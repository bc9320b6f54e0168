package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "relaybot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.ledger.json (whole document, replaced atomically)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	ledgerPath string
	auditFile  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{log: log, ledgerPath: prefix + ".ledger.json", auditFile: af}
	if _, err := os.Stat(s.ledgerPath); errors.Is(err, os.ErrNotExist) {
		if err := s.writeLedgerLocked(Ledger{}); err != nil {
			_ = af.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadLedger(ctx context.Context) (Ledger, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.ledgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return Ledger{}, nil
	}
	if err != nil {
		return nil, err
	}
	l, err := decodeLedger(b)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", s.ledgerPath, err)
	}
	return l, nil
}

func (s *fileStore) SaveLedger(ctx context.Context, l Ledger) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLedgerLocked(l)
}

func (s *fileStore) writeLedgerLocked(l Ledger) error {
	if l == nil {
		l = Ledger{}
	}
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.ledgerPath + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.ledgerPath)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// LegacyScope holds ids read from the flat {date: [ids]} ledger layout.
const LegacyScope = "*"

// decodeLedger accepts both {date: {scope: [ids]}} and the flat
// {date: [ids]} layout. Blank documents decode to an empty ledger.
func decodeLedger(b []byte) (Ledger, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return Ledger{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(Ledger, len(raw))
	for date, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '[' {
			var ids []string
			if err := json.Unmarshal(v, &ids); err != nil {
				return nil, fmt.Errorf("date %s: %w", date, err)
			}
			out[date] = map[string][]string{LegacyScope: ids}
			continue
		}
		var scopes map[string][]string
		if err := json.Unmarshal(v, &scopes); err != nil {
			return nil, fmt.Errorf("date %s: %w", date, err)
		}
		if scopes == nil {
			scopes = map[string][]string{}
		}
		out[date] = scopes
	}
	return out, nil
}
