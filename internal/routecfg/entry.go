// Package routecfg loads routing tables: groups of admin conversations that
// may forward into a set of target conversations.
package routecfg

import (
	"fmt"
	"sort"
	"strings"

	"relaybot/internal/conv"
)

// Member is one row of a routing table.
type Member struct {
	ID   string    `json:"id" yaml:"id"`
	Name string    `json:"name" yaml:"name"`
	Type conv.Kind `json:"type" yaml:"type"`
	// No is the short label operators type in commands.
	No string `json:"no,omitempty" yaml:"no,omitempty"`
}

func (m Member) Ref() conv.Ref { return conv.Ref{ID: m.ID, Name: m.Name, Kind: m.Type} }

// Info is the one-line description used in help replies.
func (m Member) Info() string {
	return fmt.Sprintf("[%s]\t名称：%s\t\t编号：[%s]", m.Type, m.Name, m.No)
}

// Entry is one routing group. Admin and target ids are unique within it.
type Entry struct {
	Group   string
	Admins  map[string]Member
	Targets map[string]Member

	order []string // target ids in table order
}

func NewEntry(group string) *Entry {
	return &Entry{Group: group, Admins: map[string]Member{}, Targets: map[string]Member{}}
}

// AddAdmin adds or replaces an admin row.
func (e *Entry) AddAdmin(m Member) { e.Admins[m.ID] = m }

// AddTarget adds or replaces a target row, keeping first-seen order.
func (e *Entry) AddTarget(m Member) {
	if _, ok := e.Targets[m.ID]; !ok {
		e.order = append(e.order, m.ID)
	}
	e.Targets[m.ID] = m
}

func (e *Entry) IsAdmin(id string) bool {
	_, ok := e.Admins[id]
	return ok
}

// TargetList returns targets in table order.
func (e *Entry) TargetList() []Member {
	out := make([]Member, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.Targets[id])
	}
	return out
}

// AdminList returns admins sorted by id.
func (e *Entry) AdminList() []Member {
	out := make([]Member, 0, len(e.Admins))
	for _, m := range e.Admins {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TokenSet returns every name and number that addresses a target.
func (e *Entry) TokenSet() map[string]struct{} {
	out := make(map[string]struct{}, 2*len(e.Targets))
	for _, m := range e.Targets {
		if n := strings.TrimSpace(m.Name); n != "" {
			out[n] = struct{}{}
		}
		if n := strings.TrimSpace(m.No); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

// Lookup returns the targets whose name or number equals token.
func (e *Entry) Lookup(token string) []conv.Ref {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	var out []conv.Ref
	for _, id := range e.order {
		m := e.Targets[id]
		if strings.TrimSpace(m.Name) == token || strings.TrimSpace(m.No) == token {
			out = append(out, m.Ref())
		}
	}
	return out
}

// ConflictError reports an admin id configured in more than one group.
type ConflictError struct {
	AdminID string
	Groups  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("routecfg: admin %s is configured in %d groups: %s", e.AdminID, len(e.Groups), strings.Join(e.Groups, ", "))
}

// buildIndex maps admin ids to entry indexes and collects conflicts.
func buildIndex(entries []*Entry) (map[string][]int, []*ConflictError) {
	idx := map[string][]int{}
	for i, e := range entries {
		for id := range e.Admins {
			idx[id] = append(idx[id], i)
		}
	}
	var conflicts []*ConflictError
	for id, list := range idx {
		if len(list) < 2 {
			continue
		}
		ce := &ConflictError{AdminID: id}
		for _, i := range list {
			ce.Groups = append(ce.Groups, entries[i].Group)
		}
		sort.Strings(ce.Groups)
		conflicts = append(conflicts, ce)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].AdminID < conflicts[j].AdminID })
	return idx, conflicts
}
