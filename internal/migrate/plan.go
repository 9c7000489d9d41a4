package migrate

import (
	"fmt"
	"slices"
	"strings"

	"rosbag/internal/schema"
)

// Plan is the migration of one recorded (type, hash) pair.
type Plan struct {
	Type string
	MD5  string
	// Target is the installed hash of Type.
	Target string
	// Chain is empty when the recorded hash is already current.
	Chain []*Rule
	// Offset is the position of the first record with this hash.
	Offset int64
	Count  int
}

// Gap is a missing step: no rule leads from From towards To.
type Gap struct {
	Type string
	From string
	// To is empty when the registry has no installed version of Type.
	To string
	// FromSpec and ToSpec are the layouts at both ends, when known.
	FromSpec *schema.Spec
	ToSpec   *schema.Spec
	Err      error
}

func (g Gap) String() string {
	if g.To == "" {
		return fmt.Sprintf("%s [%s] -> ?: %v", g.Type, g.From, g.Err)
	}
	return fmt.Sprintf("%s [%s] -> [%s]", g.Type, g.From, g.To)
}

// Failure describes a recorded (type, hash) pair that cannot be migrated.
type Failure struct {
	Type   string
	MD5    string
	Target string
	// Chain is the longest run of rules found before the gaps.
	Chain   []*Rule
	Missing []Gap
	Offset  int64
	// Err is set when the records could not be read at all.
	Err error
}

func (f Failure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] (first record at offset %d)", f.Type, f.MD5, f.Offset)
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
		return b.String()
	}
	for _, r := range f.Chain {
		fmt.Fprintf(&b, "\n  have %s", r)
	}
	for _, g := range f.Missing {
		fmt.Fprintf(&b, "\n  missing %s", g)
	}
	return b.String()
}

// GapError reports every (type, hash) pair a migration cannot handle.
type GapError struct {
	Failures []Failure
}

func (e *GapError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, fmt.Sprintf("%s [%s]", f.Type, short(f.MD5)))
	}
	return fmt.Sprintf("no migration path for %d type(s): %s", len(e.Failures), strings.Join(names, ", "))
}

type node struct {
	typ  string
	md5  string
	spec *schema.Spec
	path []*Rule
}

// plan searches breadth first for the shortest chain from (typ, md5) to the
// installed hash. When none exists every dead end becomes a Gap.
func (m *Migrator) plan(typ, md5 string, spec *schema.Spec) ([]*Rule, *Failure) {
	queue := []node{{typ: typ, md5: md5, spec: spec}}
	seen := map[string]bool{md5: true}
	var longest []*Rule
	var missing []Gap

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		current, err := m.registry.IsCurrent(n.typ, n.md5)
		if current {
			return n.path, nil
		}
		if len(n.path) > len(longest) {
			longest = n.path
		}

		extended := false
		for _, r := range m.rules.from(n.md5) {
			if seen[r.New.MD5] {
				continue
			}
			seen[r.New.MD5] = true
			queue = append(queue, node{typ: r.New.Type, md5: r.New.MD5, spec: r.New, path: append(slices.Clone(n.path), r)})
			extended = true
		}
		if extended {
			continue
		}

		gap := Gap{Type: n.typ, From: n.md5, FromSpec: n.spec, Err: err}
		if err == nil {
			if cur, cerr := m.registry.Current(n.typ); cerr == nil {
				gap.To, gap.ToSpec = cur.MD5, cur
			}
		}
		missing = append(missing, gap)
	}

	f := &Failure{Type: typ, MD5: md5, Chain: longest, Missing: missing}
	if cur, err := m.registry.Current(typ); err == nil {
		f.Target = cur.MD5
	}
	return nil, f
}
