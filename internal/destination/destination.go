// Package destination turns the tail of a routing command into destination
// tokens and payload words, and resolves tokens to conversations.
package destination

import (
	"regexp"
	"strconv"
	"strings"

	"relaybot/internal/conv"
)

// MaxRangeSpan bounds how many tokens a single "a-b" range may expand to.
// Wider ranges are left in the text as payload words.
const MaxRangeSpan = 1000

var rangeRE = regexp.MustCompile(`(\d+)\s*-\s*(\d+)`)

// Parsed is the result of splitting a command tail.
type Parsed struct {
	Numbers []string
	Words   []string
}

// Payload rejoins the words with single spaces.
func (p Parsed) Payload() string { return strings.Join(p.Words, " ") }

// Parse splits text into destination tokens and payload words.
//
// Inclusive numeric ranges ("3-8", "3 - 8", descending allowed) take priority:
// when any are present they are expanded and everything else becomes payload.
// Otherwise each whitespace token is a destination when it appears verbatim in
// valid, and a payload word when it does not.
func Parse(text string, valid map[string]struct{}) Parsed {
	if nums, rest, ok := expandRanges(text); ok {
		return Parsed{Numbers: nums, Words: strings.Fields(rest)}
	}
	var p Parsed
	for _, tok := range strings.Fields(text) {
		if _, ok := valid[tok]; ok {
			p.Numbers = append(p.Numbers, tok)
			continue
		}
		p.Words = append(p.Words, tok)
	}
	return p
}

func expandRanges(text string) ([]string, string, bool) {
	locs := rangeRE.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil, text, false
	}
	var (
		nums []string
		rest strings.Builder
		last int
		used bool
	)
	for _, m := range locs {
		lo, err1 := strconv.Atoi(text[m[2]:m[3]])
		hi, err2 := strconv.Atoi(text[m[4]:m[5]])
		if err1 != nil || err2 != nil {
			continue
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi-lo >= MaxRangeSpan {
			continue
		}
		for n := lo; n <= hi; n++ {
			nums = append(nums, strconv.Itoa(n))
		}
		rest.WriteString(text[last:m[0]])
		rest.WriteByte(' ')
		last = m[1]
		used = true
	}
	if !used {
		return nil, text, false
	}
	rest.WriteString(text[last:])
	return nums, rest.String(), true
}

// Lookup finds the conversations addressed by a token (a target's name or
// number). Unknown tokens return nothing.
type Lookup interface {
	Lookup(token string) []conv.Ref
}

// Resolve maps tokens through l, preserving first-seen order and dropping
// duplicates and unknown tokens.
func Resolve(tokens []string, l Lookup) []conv.Ref {
	if l == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []conv.Ref
	for _, tok := range tokens {
		for _, r := range l.Lookup(tok) {
			if r.IsZero() {
				continue
			}
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
