// Package match decides whether a conversation satisfies a set of rules.
//
// A rule compares against a conversation's id or display name, either
// literally, by regular expression, or through an injected predicate. A
// RuleSet matches when any of its rules does.
package match

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"relaybot/internal/conv"
)

var (
	// ErrPredicateDigest is returned when a digest is requested over a
	// predicate rule, which has no stable textual form.
	ErrPredicateDigest = errors.New("match: predicate rules cannot be digested")
	// ErrUnknownKind is returned for rule kinds outside id, pattern and predicate.
	ErrUnknownKind = errors.New("match: unknown rule kind")
)

type Kind int

const (
	ByID Kind = iota
	ByPattern
	ByPredicate
)

// String returns the configuration spelling of the kind.
func (k Kind) String() string {
	switch k {
	case ByID:
		return "id_or_name"
	case ByPattern:
		return "regex"
	case ByPredicate:
		return "method"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the configuration spellings and a few aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "id", "name", "id_or_name":
		return ByID, nil
	case "regex", "pattern", "re":
		return ByPattern, nil
	case "method", "predicate", "func":
		return ByPredicate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Predicate decides a match programmatically. It may block on I/O.
type Predicate func(ctx context.Context, target conv.Ref) (bool, error)

// Rule is a single match condition. Build rules with ID, Pattern or Func.
type Rule struct {
	Kind      Kind
	Value     string
	Predicate Predicate

	re *regexp.Regexp
}

// ID matches a conversation whose id or display name equals v.
func ID(v string) Rule { return Rule{Kind: ByID, Value: v} }

// Pattern matches a conversation whose id or display name begins with a match
// of expr.
func Pattern(expr string) (Rule, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)`)
	if err != nil {
		return Rule{}, fmt.Errorf("match: compile %q: %w", expr, err)
	}
	return Rule{Kind: ByPattern, Value: expr, re: re}, nil
}

// MustPattern is Pattern for expressions known at compile time.
func MustPattern(expr string) Rule {
	r, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return r
}

// Func wraps a predicate.
func Func(p Predicate) Rule { return Rule{Kind: ByPredicate, Predicate: p} }

// Match evaluates the rule against target. Predicate errors and panics are
// reported as no match.
func (r Rule) Match(ctx context.Context, target conv.Ref) bool {
	switch r.Kind {
	case ByID:
		return r.Value != "" && (r.Value == target.ID || r.Value == target.Name)
	case ByPattern:
		re := r.re
		if re == nil {
			compiled, err := Pattern(r.Value)
			if err != nil {
				return false
			}
			re = compiled.re
		}
		if re.MatchString(target.ID) {
			return true
		}
		return target.Name != "" && re.MatchString(target.Name)
	case ByPredicate:
		return callPredicate(ctx, r.Predicate, target)
	default:
		return false
	}
}

func callPredicate(ctx context.Context, p Predicate, target conv.Ref) (ok bool) {
	if p == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	res, err := p(ctx, target)
	if err != nil {
		return false
	}
	return res
}

// key is the stable textual form used for digests and equality.
func (r Rule) key() (string, error) {
	switch r.Kind {
	case ByID, ByPattern:
		return r.Kind.String() + ":" + r.Value, nil
	case ByPredicate:
		return "", ErrPredicateDigest
	default:
		return "", ErrUnknownKind
	}
}

// RuleSet matches when any rule matches. The empty set matches nothing.
type RuleSet []Rule

// Match short-circuits on the first matching rule.
func (s RuleSet) Match(ctx context.Context, target conv.Ref) bool {
	for _, r := range s {
		if ctx.Err() != nil {
			return false
		}
		if r.Match(ctx, target) {
			return true
		}
	}
	return false
}

// Digest is a content hash over the set's rules, independent of order and
// duplicates. It fails with ErrPredicateDigest if any rule is a predicate.
func (s RuleSet) Digest() (string, error) {
	keys, err := s.keys()
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether both sets contain the same rules, ignoring order and
// duplicates. Sets containing predicates are never equal.
func (s RuleSet) Equal(o RuleSet) bool {
	a, err := s.keys()
	if err != nil {
		return false
	}
	b, err := o.keys()
	if err != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s RuleSet) keys() ([]string, error) {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, r := range s {
		k, err := r.key()
		if err != nil {
			return nil, err
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Merge appends the rules of o not already present in s.
func (s RuleSet) Merge(o RuleSet) RuleSet {
	out := append(RuleSet(nil), s...)
	have := map[string]struct{}{}
	for _, r := range s {
		if k, err := r.key(); err == nil {
			have[k] = struct{}{}
		}
	}
	for _, r := range o {
		k, err := r.key()
		if err == nil {
			if _, ok := have[k]; ok {
				continue
			}
			have[k] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}
