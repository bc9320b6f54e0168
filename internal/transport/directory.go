package transport

import (
	"sort"
	"strings"
	"sync"

	"relaybot/internal/conv"
)

// Directory caches every conversation a transport has observed.
//
// Refs are created on first observation and retained for the process
// lifetime; later observations only refresh the display name.
type Directory struct {
	mu     sync.RWMutex
	byID   map[string]conv.Ref
	byName map[string]string // lowercased name -> id
}

func NewDirectory() *Directory {
	return &Directory{byID: map[string]conv.Ref{}, byName: map[string]string{}}
}

// Observe records r and returns the stored ref.
func (d *Directory) Observe(r conv.Ref) conv.Ref {
	if r.IsZero() {
		return r
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.byID[r.ID]
	if ok {
		if r.Name == "" || r.Name == old.Name {
			return old
		}
		delete(d.byName, strings.ToLower(old.Name))
		old.Name = r.Name
		r = old
	}
	d.byID[r.ID] = r
	if n := strings.ToLower(strings.TrimSpace(r.Name)); n != "" {
		d.byName[n] = r.ID
	}
	return r
}

// Resolve looks a conversation up by id first, then by display name.
func (d *Directory) Resolve(idOrName string) (conv.Ref, bool) {
	key := strings.TrimSpace(idOrName)
	if key == "" {
		return conv.Ref{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.byID[key]; ok {
		return r, true
	}
	if id, ok := d.byName[strings.ToLower(strings.TrimPrefix(key, "@"))]; ok {
		r, ok := d.byID[id]
		return r, ok
	}
	return conv.Ref{}, false
}

// List returns every stored ref ordered by name, then id.
func (d *Directory) List() []conv.Ref {
	d.mu.RLock()
	out := make([]conv.Ref, 0, len(d.byID))
	for _, r := range d.byID {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
