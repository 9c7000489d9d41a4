// Package migrate moves recorded messages forward to the installed versions
// of their types.
//
// A Rule converts messages of one layout (its Old spec) into another (its
// New spec). For every distinct (type, hash) in a bag the Migrator plans a
// chain of rules that ends at the hash the registry currently installs for
// that type. All gaps are collected before anything is written; a bag is
// migrated completely or not at all.
package migrate

import (
	"errors"
	"fmt"

	"rosbag/internal/schema"
)

// ErrInvalidRule is returned for rules without specs or a transform.
var ErrInvalidRule = errors.New("invalid migration rule")

// Transform fills out, a zero message of the rule's New spec, from in.
type Transform func(in, out *schema.Message) error

// Rule converts messages with the Old layout into the New layout.
type Rule struct {
	Old       *schema.Spec
	New       *schema.Spec
	Transform Transform
	// Source names where the rule came from, e.g. a rule file path.
	Source string
}

func (r *Rule) validate() error {
	if r.Old == nil || r.New == nil || r.Transform == nil {
		return fmt.Errorf("%w: %s", ErrInvalidRule, r)
	}
	if r.Old.MD5 == r.New.MD5 {
		return fmt.Errorf("%w: %s: old and new hash are equal", ErrInvalidRule, r)
	}
	return nil
}

// Apply converts in, which must have the Old layout.
func (r *Rule) Apply(in *schema.Message) (*schema.Message, error) {
	if in.Spec.MD5 != r.Old.MD5 {
		return nil, fmt.Errorf("rule %s: message has hash %s", r, in.Spec.MD5)
	}
	out := schema.New(r.New)
	if err := r.Transform(in, out); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r, err)
	}
	return out, nil
}

func (r *Rule) String() string {
	if r.Old == nil || r.New == nil {
		return "<incomplete rule>"
	}
	return fmt.Sprintf("%s [%s] -> %s [%s]", r.Old.Type, short(r.Old.MD5), r.New.Type, short(r.New.MD5))
}

func short(md5 string) string {
	if len(md5) > 8 {
		return md5[:8]
	}
	return md5
}

// CopyFields copies every field of in into the same-named field of out when
// both have the same layout. It returns the names of the out fields it did
// not set.
func CopyFields(in, out *schema.Message) []string {
	var unset []string
	for i, f := range out.Spec.Fields {
		j := in.Spec.Field(f.Name)
		if j < 0 || !compatible(in.Spec.Fields[j], f) {
			unset = append(unset, f.Name)
			continue
		}
		out.Values[i] = in.Values[j]
	}
	return unset
}

func compatible(a, b schema.Field) bool {
	if a.Kind != b.Kind || a.Array != b.Array || a.Len != b.Len {
		return false
	}
	if a.Kind == schema.KindMessage {
		return a.Spec.MD5 == b.Spec.MD5
	}
	return true
}

// ruleSet indexes rules by their old hash.
type ruleSet struct {
	byOld map[string][]*Rule
}

func newRuleSet(rules []*Rule) (*ruleSet, error) {
	rs := &ruleSet{byOld: make(map[string][]*Rule)}
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		rs.byOld[r.Old.MD5] = append(rs.byOld[r.Old.MD5], r)
	}
	return rs, nil
}

func (rs *ruleSet) from(md5 string) []*Rule {
	return rs.byOld[md5]
}
