package authz

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newLedger(t *testing.T) (*Ledger, *clock) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	c := &clock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	return New(st, WithClock(c.now), WithLocation(time.UTC)), c
}

func TestGrantRevokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	today := l.Today()
	require.Equal(t, "2026-10-18", today)

	added, err := l.Grant(ctx, today, "room-1", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, added)
	assert.True(t, l.IsAuthorized(ctx, "x"))

	removed, err := l.Revoke(ctx, today, "room-1", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, removed)
	assert.False(t, l.IsAuthorized(ctx, "x"))

	ok, err := l.IsAuthorizedOn(ctx, "2026-10-17", "x")
	require.NoError(t, err)
	assert.False(t, ok, "no grant on a different date")
}

func TestGrantIsIdempotentUnion(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	today := l.Today()

	_, err := l.Grant(ctx, today, "room-1", []string{"a", "b"})
	require.NoError(t, err)
	added, err := l.Grant(ctx, today, "room-1", []string{"b", "c", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, added)

	ids, err := l.Granted(ctx, today, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestAuthorizedInAnyScope(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Grant(ctx, l.Today(), "room-2", []string{"x"})
	require.NoError(t, err)
	assert.True(t, l.IsAuthorized(ctx, "x"))

	_, err = l.Revoke(ctx, l.Today(), "room-1", []string{"x"})
	require.NoError(t, err)
	assert.True(t, l.IsAuthorized(ctx, "x"), "revoking in another scope leaves the grant")

	all, err := l.Granted(ctx, l.Today(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, all)
}

func TestRevokeMissingBucketIsNoop(t *testing.T) {
	l, _ := newLedger(t)
	removed, err := l.Revoke(context.Background(), "2020-01-01", "room", []string{"x"})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestGrantExpiresAtMidnight(t *testing.T) {
	ctx := context.Background()
	l, c := newLedger(t)
	_, err := l.Grant(ctx, l.Today(), "room-1", []string{"x"})
	require.NoError(t, err)

	c.t = time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC)
	assert.True(t, l.IsAuthorized(ctx, "x"))

	// Evaluated at call time: the same session loses the grant after midnight.
	c.t = c.t.Add(2 * time.Second)
	assert.False(t, l.IsAuthorized(ctx, "x"))
}

func TestTomorrowGrant(t *testing.T) {
	ctx := context.Background()
	l, c := newLedger(t)
	require.Equal(t, "2026-10-19", l.Tomorrow())

	_, err := l.Grant(ctx, l.Tomorrow(), "room-1", []string{"x"})
	require.NoError(t, err)
	assert.False(t, l.IsAuthorized(ctx, "x"))

	c.t = c.t.Add(24 * time.Hour)
	assert.True(t, l.IsAuthorized(ctx, "x"))
}

func TestInvalidDate(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Grant(context.Background(), "18/10/2026", "s", []string{"x"})
	assert.Error(t, err)
	_, err = l.Revoke(context.Background(), "", "s", []string{"x"})
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	for _, d := range []string{"2026-10-01", "2026-10-10", "2026-10-17", "2026-10-18"} {
		_, err := l.Grant(ctx, d, "s", []string{"x"})
		require.NoError(t, err)
	}

	n, err := l.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.Prune(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-17", "2026-10-18"}, snap.Dates())
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	l := New(nil)
	assert.False(t, l.IsAuthorized(context.Background(), "x"))
}
