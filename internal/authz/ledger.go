// Package authz keeps day-scoped forwarding grants.
//
// A grant authorizes a conversation for one calendar day within a scope (the
// chat where the grant was issued). Every operation reads the ledger from its
// store and every mutation writes it straight back; nothing is cached here.
package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybot/internal/storage"
)

// DateLayout is the ledger's date key format.
const DateLayout = "2006-01-02"

// Ledger evaluates grants against the wall clock at call time, so a grant made
// for today lapses at midnight even mid-conversation.
type Ledger struct {
	store storage.Store
	now   func() time.Time
	loc   *time.Location

	// mu serializes read-modify-write cycles against the store.
	mu sync.Mutex
}

type Option func(*Ledger)

// WithClock overrides the clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLocation sets the timezone that decides calendar days.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

func New(store storage.Store, opts ...Option) *Ledger {
	if store == nil {
		store = storage.NewMemory()
	}
	l := &Ledger{store: store, now: time.Now, loc: time.Local}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Today returns today's date key.
func (l *Ledger) Today() string { return l.DateOf(l.now()) }

// Tomorrow returns tomorrow's date key.
func (l *Ledger) Tomorrow() string { return l.DateOf(l.now().In(l.loc).AddDate(0, 0, 1)) }

// DateOf formats t as a ledger date in the ledger's timezone.
func (l *Ledger) DateOf(t time.Time) string { return t.In(l.loc).Format(DateLayout) }

// Grant adds ids to (date, scope). It is idempotent and returns the ids that
// were newly added.
func (l *Ledger) Grant(ctx context.Context, date, scope string, ids []string) ([]string, error) {
	if err := validDate(date); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	led, err := l.store.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	if led == nil {
		led = storage.Ledger{}
	}
	bucket := led[date]
	if bucket == nil {
		bucket = map[string][]string{}
		led[date] = bucket
	}
	have := toSet(bucket[scope])
	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		bucket[scope] = append(bucket[scope], id)
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := l.store.SaveLedger(ctx, led); err != nil {
		return nil, fmt.Errorf("authz: save: %w", err)
	}
	return added, nil
}

// Revoke removes ids from (date, scope). Missing buckets are a no-op. It
// returns the ids that were actually removed.
func (l *Ledger) Revoke(ctx context.Context, date, scope string, ids []string) ([]string, error) {
	if err := validDate(date); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	led, err := l.store.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	bucket, ok := led[date]
	if !ok {
		return nil, nil
	}
	drop := toSet(ids)
	var kept, removed []string
	for _, id := range bucket[scope] {
		if _, ok := drop[id]; ok {
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if len(kept) == 0 {
		delete(bucket, scope)
	} else {
		bucket[scope] = kept
	}
	if len(bucket) == 0 {
		delete(led, date)
	}
	if err := l.store.SaveLedger(ctx, led); err != nil {
		return nil, fmt.Errorf("authz: save: %w", err)
	}
	return removed, nil
}

// IsAuthorized reports whether id holds a grant for today in any scope.
// A ledger that cannot be read authorizes nobody.
func (l *Ledger) IsAuthorized(ctx context.Context, id string) bool {
	ok, _ := l.IsAuthorizedOn(ctx, l.Today(), id)
	return ok
}

// IsAuthorizedOn reports whether id holds a grant for date in any scope.
func (l *Ledger) IsAuthorizedOn(ctx context.Context, date, id string) (bool, error) {
	led, err := l.store.LoadLedger(ctx)
	if err != nil {
		return false, err
	}
	for _, ids := range led[date] {
		for _, v := range ids {
			if v == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// Granted returns the ids granted for (date, scope). An empty scope returns
// the union over all scopes.
func (l *Ledger) Granted(ctx context.Context, date, scope string) ([]string, error) {
	led, err := l.store.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	if scope != "" {
		return append([]string(nil), led[date][scope]...), nil
	}
	set := map[string]struct{}{}
	for _, ids := range led[date] {
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot returns the whole ledger.
func (l *Ledger) Snapshot(ctx context.Context) (storage.Ledger, error) {
	return l.store.LoadLedger(ctx)
}

// Prune drops date buckets older than keepDays days before today. keepDays <= 0
// keeps everything. It returns the number of buckets removed.
func (l *Ledger) Prune(ctx context.Context, keepDays int) (int, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := l.DateOf(l.now().In(l.loc).AddDate(0, 0, -keepDays))

	l.mu.Lock()
	defer l.mu.Unlock()
	led, err := l.store.LoadLedger(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for date := range led {
		// Date keys sort lexically in calendar order.
		if date < cutoff {
			delete(led, date)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, l.store.SaveLedger(ctx, led)
}

func validDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("authz: invalid date %q", date)
	}
	return nil
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
