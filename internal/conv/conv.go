// Package conv defines the normalized identity of a chat counterpart.
//
// A conversation is either a one-to-one contact or a group chat. Transports
// observe them in different shapes (a sender, a chat, a forwarded origin);
// everything past the transport boundary works with a single canonical Ref.
package conv

import (
	"fmt"
	"strings"
)

// Kind distinguishes individual contacts from group chats.
type Kind int

const (
	Individual Kind = iota
	Group
)

func (k Kind) String() string {
	switch k {
	case Group:
		return "Room"
	default:
		return "Contact"
	}
}

// MarshalText keeps routing tables and ledgers human readable.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText accepts both the table spelling (Room/Contact) and the
// descriptive one (group/individual).
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind parses a conversation kind. Empty input defaults to Group since
// routing tables mostly list rooms.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "room", "group", "chat":
		return Group, nil
	case "contact", "individual", "user", "private":
		return Individual, nil
	default:
		return Group, fmt.Errorf("conv: unknown kind %q", s)
	}
}

// Ref is the canonical conversation identity.
//
// ID is immutable once assigned. Equality uses ID only; Name may change
// (renamed rooms, edited aliases) without affecting identity.
type Ref struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind Kind   `json:"type" yaml:"type"`
}

func (r Ref) IsZero() bool { return r.ID == "" }

// Equal reports identity equality.
func (r Ref) Equal(o Ref) bool { return r.ID == o.ID }

// Label returns the display name, falling back to the id.
func (r Ref) Label() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return r.ID
}

func (r Ref) String() string {
	return fmt.Sprintf("%s(%s)", r.Label(), r.ID)
}

// Source is the shape a conversation takes at the transport boundary.
// Resolve turns it into a Ref exactly once.
type Source interface {
	conversation() Ref
}

// Contact is a one-to-one counterpart as observed by a transport.
type Contact struct {
	ID    string
	Name  string
	Alias string
}

func (c Contact) conversation() Ref {
	name := c.Alias
	if strings.TrimSpace(name) == "" {
		name = c.Name
	}
	return Ref{ID: c.ID, Name: name, Kind: Individual}
}

// Room is a group chat as observed by a transport.
type Room struct {
	ID    string
	Topic string
}

func (r Room) conversation() Ref {
	return Ref{ID: r.ID, Name: r.Topic, Kind: Group}
}

// Resolve canonicalizes a transport-level source.
func Resolve(s Source) Ref {
	if s == nil {
		return Ref{}
	}
	return s.conversation()
}
