package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func sampleLedger() Ledger {
	return Ledger{
		"2026-10-18": {"room-1": {"u-1", "u-2"}},
		"2026-10-19": {"room-1": {"u-3"}, "room-2": {"u-1"}},
	}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, c := range []Config{
		{Driver: "file", Path: filepath.Join(dir, "relay.json")},
		{Driver: "sqlite", Path: filepath.Join(dir, "relay.db")},
		{Driver: "none"},
	} {
		st, err := Open(c, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", c.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[c.Driver] = st
	}
	return out
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.LoadLedger(ctx)
			if err != nil {
				t.Fatalf("load empty: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("fresh ledger not empty: %v", got)
			}

			if err := st.SaveLedger(ctx, sampleLedger()); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err = st.LoadLedger(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if ids := got["2026-10-18"]["room-1"]; len(ids) != 2 || ids[0] != "u-1" || ids[1] != "u-2" {
				t.Fatalf("unexpected ids: %v", ids)
			}
			if len(got["2026-10-19"]) != 2 {
				t.Fatalf("unexpected scopes: %v", got["2026-10-19"])
			}

			// Saving replaces, not merges.
			if err := st.SaveLedger(ctx, Ledger{"2026-10-20": {"s": {"x"}}}); err != nil {
				t.Fatalf("save 2: %v", err)
			}
			got, _ = st.LoadLedger(ctx)
			if dates := got.Dates(); len(dates) != 1 || dates[0] != "2026-10-20" {
				t.Fatalf("dates=%v", dates)
			}
		})
	}
}

func TestAppendAudit(t *testing.T) {
	ctx := context.Background()
	e := AuditEntry{At: time.Now(), RecordID: "r1", Plugin: "forwarder", Action: "fanout", Targets: []string{"101", "205"}, OK: 2}
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			err := st.AppendAudit(ctx, e)
			if name == "none" {
				if !errors.Is(err, ErrDisabled) {
					t.Fatalf("err=%v want ErrDisabled", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("append: %v", err)
			}
		})
	}
}

func TestFileAuditIsJSONLines(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.AppendAudit(context.Background(), AuditEntry{Plugin: "p", Action: "a", OK: i}); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "relay.audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		if e.OK != n {
			t.Fatalf("line %d ok=%d", n, e.OK)
		}
		n++
	}
	if n != 3 {
		t.Fatalf("lines=%d", n)
	}
}

func TestFileLedgerMissingOrLegacy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ledgerPath := filepath.Join(dir, "relay.ledger.json")

	if err := os.Remove(ledgerPath); err != nil {
		t.Fatal(err)
	}
	l, err := st.LoadLedger(context.Background())
	if err != nil || len(l) != 0 {
		t.Fatalf("missing ledger: %v %v", l, err)
	}

	if err := os.WriteFile(ledgerPath, []byte(`{"2026-10-18": ["u-1", "u-2"]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err = st.LoadLedger(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ids := l["2026-10-18"][LegacyScope]; len(ids) != 2 {
		t.Fatalf("legacy ids=%v", ids)
	}

	if err := os.WriteFile(ledgerPath, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.LoadLedger(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
