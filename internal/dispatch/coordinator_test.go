package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSeen(t *testing.T) {
	c := New()
	first := c.MarkSeen("chat:1")
	second := c.MarkSeen("chat:1")
	assert.Equal(t, []bool{true, false}, []bool{first, second})
	assert.True(t, c.MarkSeen("chat:2"))
}

func TestClaimExclusiveSuppressesOthers(t *testing.T) {
	c := New()
	c.Register("forwarder")
	c.Register("keyword")

	assert.False(t, c.IsSuppressed("m1", "forwarder"))
	require.True(t, c.ClaimExclusive("m1", "keyword"))

	assert.True(t, c.IsSuppressed("m1", "forwarder"))
	assert.False(t, c.IsSuppressed("m1", "keyword"), "claimer keeps running")
	assert.True(t, c.IsSuppressed("m1", "late-plugin"))
	assert.False(t, c.IsSuppressed("m2", "forwarder"), "claims are per message")

	assert.False(t, c.ClaimExclusive("m1", "forwarder"), "first claim wins")
	assert.True(t, c.ClaimExclusive("m1", "keyword"))
	owner, ok := c.ClaimedBy("m1")
	require.True(t, ok)
	assert.Equal(t, "keyword", owner)
}

func TestReset(t *testing.T) {
	c := New()
	c.Register("a")
	c.MarkSeen("m1")
	c.ClaimExclusive("m1", "a")
	assert.Equal(t, Stats{Handlers: 1, Seen: 1, Claimed: 1}, c.Stats())

	c.Reset()
	assert.Equal(t, Stats{Handlers: 1}, c.Stats())
	assert.True(t, c.MarkSeen("m1"))
	assert.False(t, c.IsSuppressed("m1", "b"))
	assert.Equal(t, []string{"a"}, c.Handlers())
}

func TestMarkSeenConcurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkSeen("same") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
