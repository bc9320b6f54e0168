package forward

import (
	"time"

	"relaybot/internal/conv"
)

// PendingRoute is a routing command waiting for its payload message.
type PendingRoute struct {
	Owner        string
	Destinations []conv.Ref
	CreatedAt    time.Time
	ExpiresAfter time.Duration
}

// Expired reports whether the route lapsed at now. A zero ExpiresAfter never
// expires.
func (p PendingRoute) Expired(now time.Time) bool {
	return p.ExpiresAfter > 0 && now.Sub(p.CreatedAt) > p.ExpiresAfter
}

// Issue stores a pending route for owner, replacing any earlier one. It does
// nothing and returns false when dests is empty.
func (e *Engine) Issue(owner string, dests []conv.Ref) (PendingRoute, bool) {
	if len(dests) == 0 {
		return PendingRoute{}, false
	}
	p := PendingRoute{
		Owner:        owner,
		Destinations: append([]conv.Ref(nil), dests...),
		CreatedAt:    e.now(),
		ExpiresAfter: e.cfg.PendingTTL,
	}
	e.mu.Lock()
	e.pending[owner] = p
	e.mu.Unlock()
	return p, true
}

// Pending returns owner's live pending route. Expired routes are dropped on
// access.
func (e *Engine) Pending(owner string) (PendingRoute, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked(owner)
}

// Take returns and clears owner's live pending route.
func (e *Engine) Take(owner string) (PendingRoute, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pendingLocked(owner)
	if ok {
		delete(e.pending, owner)
	}
	return p, ok
}

// Cancel clears owner's pending route.
func (e *Engine) Cancel(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[owner]
	delete(e.pending, owner)
	return ok
}

// Sweep drops every expired pending route and returns how many were removed.
func (e *Engine) Sweep() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, p := range e.pending {
		if p.Expired(now) {
			delete(e.pending, k)
			n++
		}
	}
	return n
}

// PendingCount returns the number of stored routes, expired or not.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) pendingLocked(owner string) (PendingRoute, bool) {
	p, ok := e.pending[owner]
	if !ok {
		return PendingRoute{}, false
	}
	if p.Expired(e.now()) {
		delete(e.pending, owner)
		return PendingRoute{}, false
	}
	return p, true
}
