// Package dispatch keeps independently registered message handlers from
// acting twice on the same inbound message.
package dispatch

import (
	"sort"
	"sync"
)

// Coordinator records which messages have been seen and which handlers must
// stand down for a message another handler claimed. It only records state;
// handler ordering belongs to the caller.
//
// The seen set grows until Reset is called.
type Coordinator struct {
	mu        sync.Mutex
	handlers  map[string]struct{}
	seen      map[string]struct{}
	claimedBy map[string]string // message id -> claiming handler
}

func New() *Coordinator {
	return &Coordinator{
		handlers:  map[string]struct{}{},
		seen:      map[string]struct{}{},
		claimedBy: map[string]string{},
	}
}

// Register adds a handler name. Claims made later suppress it.
func (c *Coordinator) Register(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.handlers[name] = struct{}{}
	c.mu.Unlock()
}

// Handlers returns the registered names, sorted.
func (c *Coordinator) Handlers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MarkSeen returns true the first time id is marked and false afterwards.
func (c *Coordinator) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = struct{}{}
	return true
}

// ClaimExclusive suppresses every handler other than claimer for messageID.
// Only the first claim for a message takes effect; it reports whether claimer
// holds the claim.
func (c *Coordinator) ClaimExclusive(messageID, claimer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.claimedBy[messageID]; ok {
		return owner == claimer
	}
	c.claimedBy[messageID] = claimer
	return true
}

// IsSuppressed reports whether handler must skip messageID.
func (c *Coordinator) IsSuppressed(messageID, handler string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.claimedBy[messageID]
	return ok && owner != handler
}

// ClaimedBy returns the handler holding the claim for messageID.
func (c *Coordinator) ClaimedBy(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.claimedBy[messageID]
	return n, ok
}

// Stats reports the size of the tracked state.
type Stats struct {
	Handlers int `json:"handlers"`
	Seen     int `json:"seen"`
	Claimed  int `json:"claimed"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Handlers: len(c.handlers), Seen: len(c.seen), Claimed: len(c.claimedBy)}
}

// Reset forgets seen messages and claims. Registered handlers are kept.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = map[string]struct{}{}
	c.claimedBy = map[string]string{}
}
