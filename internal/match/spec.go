package match

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Spec is the configuration form of a rule. In JSON it is either a plain
// string (an id or name) or an object {"type": "...", "value": "..."}.
// Predicates cannot be configured.
type Spec struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Spec{Type: ByID.String(), Value: v}
		return nil
	}
	type raw Spec
	var r raw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("match: rule: %w", err)
	}
	*s = Spec(r)
	return nil
}

// Rule validates the spec and builds the rule it describes.
func (s Spec) Rule() (Rule, error) {
	kind, err := ParseKind(s.Type)
	if err != nil {
		return Rule{}, err
	}
	v := strings.TrimSpace(s.Value)
	if v == "" {
		return Rule{}, fmt.Errorf("match: %s rule has empty value", kind)
	}
	switch kind {
	case ByID:
		return ID(v), nil
	case ByPattern:
		return Pattern(v)
	default:
		return Rule{}, fmt.Errorf("match: %s rules cannot be configured", kind)
	}
}

// Compile builds a RuleSet from specs, failing on the first invalid one.
func Compile(specs []Spec) (RuleSet, error) {
	out := make(RuleSet, 0, len(specs))
	for i, s := range specs {
		r, err := s.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// IDs is shorthand for a set of literal id-or-name rules.
func IDs(values ...string) RuleSet {
	out := make(RuleSet, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, ID(v))
		}
	}
	return out
}
