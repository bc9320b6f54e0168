package destination

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relaybot/internal/conv"
)

func set(tokens ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}

func TestParseRanges(t *testing.T) {
	want := []string{"3", "4", "5", "6", "7", "8"}
	cases := []struct {
		in      string
		numbers []string
		payload string
	}{
		{"3-8 hello", want, "hello"},
		{"3 - 8 hello", want, "hello"},
		{"8-3 hello", want, "hello"},
		{"hello 3-8", want, "hello"},
		{"1-2 5-6 hi there", []string{"1", "2", "5", "6"}, "hi there"},
		{"7-7", []string{"7"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			p := Parse(tc.in, nil)
			assert.Equal(t, tc.numbers, p.Numbers)
			assert.Equal(t, tc.payload, p.Payload())
		})
	}
}

func TestParseRangeTooWideIsText(t *testing.T) {
	p := Parse("1-5000 hi", set("hi"))
	assert.Equal(t, []string{"hi"}, p.Numbers)
	assert.Equal(t, []string{"1-5000"}, p.Words)
}

func TestParseTokens(t *testing.T) {
	p := Parse("3 8 你好", set("3", "8"))
	assert.Equal(t, []string{"3", "8"}, p.Numbers)
	assert.Equal(t, []string{"你好"}, p.Words)

	p = Parse("3 8 8.3 你好", set("3", "8", "8.3"))
	assert.Equal(t, []string{"3", "8", "8.3"}, p.Numbers)
	assert.Equal(t, []string{"你好"}, p.Words)

	p = Parse("  9 hello   world ", set("3"))
	assert.Empty(t, p.Numbers, "digits outside the valid set are words")
	assert.Equal(t, "9 hello world", p.Payload())

	p = Parse("", set("3"))
	assert.Empty(t, p.Numbers)
	assert.Empty(t, p.Words)
}

type table map[string][]conv.Ref

func (t table) Lookup(tok string) []conv.Ref { return t[tok] }

func TestResolve(t *testing.T) {
	a := conv.Ref{ID: "101", Name: "east", Kind: conv.Group}
	b := conv.Ref{ID: "205", Name: "west", Kind: conv.Group}
	tbl := table{"1": {a}, "east": {a}, "2": {b}, "all": {a, b}}

	got := Resolve([]string{"2", "missing", "east", "1", "all"}, tbl)
	assert.Equal(t, []conv.Ref{b, a}, got)

	assert.Empty(t, Resolve([]string{"x"}, tbl))
	assert.Nil(t, Resolve([]string{"1"}, nil))
}
