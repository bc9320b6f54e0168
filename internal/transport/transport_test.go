package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relaybot/internal/conv"
	"relaybot/internal/media"
)

func TestStripMentions(t *testing.T) {
	cases := map[string]string{
		"@relay #3 hello":     "#3 hello",
		"@relay @ops 查询":      "查询",
		"  @relay":            "",
		"#3 ask @ops later":   "#3 ask @ops later",
		" @relay   /status  ": "/status",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripMentions(in), "input %q", in)
	}
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	assert.True(t, d.Observe(conv.Ref{}).IsZero())

	east := d.Observe(conv.Ref{ID: "-100", Name: "East Ops", Kind: conv.Group})
	d.Observe(conv.Ref{ID: "42", Name: "alice", Kind: conv.Individual})
	assert.Equal(t, 2, d.Len())

	got, ok := d.Resolve("-100")
	assert.True(t, ok)
	assert.Equal(t, east, got)

	got, ok = d.Resolve("@Alice")
	assert.True(t, ok)
	assert.Equal(t, "42", got.ID)

	// An observation without a name keeps the stored one.
	assert.Equal(t, "East Ops", d.Observe(conv.Ref{ID: "-100", Kind: conv.Group}).Name)

	renamed := d.Observe(conv.Ref{ID: "-100", Name: "East", Kind: conv.Group})
	assert.Equal(t, "East", renamed.Name)
	_, ok = d.Resolve("east ops")
	assert.False(t, ok)
	got, ok = d.Resolve("east")
	assert.True(t, ok)
	assert.Equal(t, "-100", got.ID)

	_, ok = d.Resolve("  ")
	assert.False(t, ok)
}

func TestMessageHelpers(t *testing.T) {
	var nilMsg *Message
	assert.Empty(t, nilMsg.Key())
	assert.False(t, nilMsg.IsGroup())

	m := &Message{ID: "7", Chat: conv.Ref{ID: "-100", Kind: conv.Group}}
	assert.Equal(t, "-100:7", m.Key())
	assert.Equal(t, MessageRef{ChatID: "-100", MessageID: "7"}, m.Ref())
	assert.True(t, m.IsGroup())

	k, ok := KindPhoto.MediaKind()
	assert.True(t, ok)
	assert.Equal(t, media.KindPhoto, k)
	_, ok = KindText.MediaKind()
	assert.False(t, ok)
}

func TestDirectoryList(t *testing.T) {
	d := NewDirectory()
	d.Observe(conv.Ref{ID: "-2", Name: "east", Kind: conv.Group})
	d.Observe(conv.Ref{ID: "-1", Name: "east", Kind: conv.Group})
	d.Observe(conv.Ref{ID: "42", Name: "alice", Kind: conv.Individual})

	got := d.List()
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"42", "-1", "-2"}, ids)
}
