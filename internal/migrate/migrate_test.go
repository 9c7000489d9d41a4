package migrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"rosbag/internal/bag"
	"rosbag/internal/schema"
)

const (
	poseA = "int32 x\n"
	poseB = "int32 x\nint32 y\n"
	poseC = "float64 x\nint32 y\nstring note\n"
)

// fixture holds three generations of pkg/Pose; C is installed.
type fixture struct {
	reg     *schema.Registry
	a, b, c *schema.Spec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := schema.NewMapCatalog(schema.StdTypes)
	cat.Register("pkg/Pose", poseC)
	f := &fixture{reg: schema.NewRegistry(cat)}
	f.a = parse(t, "pkg/Pose", poseA)
	f.b = parse(t, "pkg/Pose", poseB)
	var err error
	if f.c, err = cat.Lookup("pkg/Pose"); err != nil {
		t.Fatal(err)
	}
	return f
}

func parse(t *testing.T, typ, text string) *schema.Spec {
	t.Helper()
	s, err := schema.Parse(typ, text, nil)
	if err != nil {
		t.Fatalf("parse %s: %v", typ, err)
	}
	return s
}

// r1 turns A into B with y = 2x.
func (f *fixture) r1() *Rule {
	return &Rule{Old: f.a, New: f.b, Transform: func(in, out *schema.Message) error {
		CopyFields(in, out)
		x, _ := in.Get("x")
		return out.Set("y", x.(int32)*2)
	}}
}

// r2 turns B into C with a float x and a note.
func (f *fixture) r2() *Rule {
	return &Rule{Old: f.b, New: f.c, Transform: func(in, out *schema.Message) error {
		CopyFields(in, out)
		x, _ := in.Get("x")
		if err := out.Set("x", float64(x.(int32))); err != nil {
			return err
		}
		return out.Set("note", "migrated")
	}}
}

// writeSource writes n pkg/Pose records of layout A interleaved with
// std_msgs/String records.
func (f *fixture) writeSource(t *testing.T, path string, n int, opts ...bag.Option) {
	t.Helper()
	w, err := bag.Create(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	str, err := f.reg.Current("std_msgs/String")
	if err != nil {
		t.Fatal(err)
	}
	for i := range n {
		pose := schema.New(f.a)
		if err := pose.Set("x", i+1); err != nil {
			t.Fatal(err)
		}
		if err := w.Write("/pose", schema.Time{Sec: uint32(i)}, bag.Decoded{Msg: pose}); err != nil {
			t.Fatal(err)
		}
		s := schema.New(str)
		if err := s.Set("data", fmt.Sprintf("hello %d", i)); err != nil {
			t.Fatal(err)
		}
		if err := w.Write("/chatter", schema.Time{Sec: uint32(i), Nsec: 1}, bag.Decoded{Msg: s}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFixChain(t *testing.T) {
	for _, version := range []bag.Version{bag.V12, bag.V11} {
		t.Run(version.String(), func(t *testing.T) {
			f := newFixture(t)
			dir := t.TempDir()
			src := filepath.Join(dir, "in.bag")
			dst := filepath.Join(dir, "out.bag")
			f.writeSource(t, src, 3, bag.WithVersion(version))

			m, err := New(f.reg, []*Rule{f.r2(), f.r1()})
			if err != nil {
				t.Fatal(err)
			}
			res, err := m.Fix(context.Background(), src, dst)
			if err != nil {
				t.Fatalf("Fix: %v", err)
			}
			if res.Migrated != 3 || res.Copied != 3 {
				t.Errorf("migrated %d copied %d, want 3 and 3", res.Migrated, res.Copied)
			}

			// Read back with a registry that only knows the installed types.
			cat := schema.NewMapCatalog(schema.StdTypes)
			cat.Register("pkg/Pose", poseC)
			r, err := bag.Open(dst, bag.WithRegistry(schema.NewRegistry(cat)))
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = r.Close() }()

			i := 0
			for msg, err := range r.All() {
				if err != nil {
					t.Fatalf("read migrated bag: %v", err)
				}
				if msg.Topic != "/pose" {
					continue
				}
				got := msg.Data.(bag.Decoded).Msg
				if got.Spec.MD5 != f.c.MD5 {
					t.Fatalf("record %d has hash %s, want %s", i, got.Spec.MD5, f.c.MD5)
				}
				x, _ := got.Get("x")
				y, _ := got.Get("y")
				note, _ := got.Get("note")
				want := i + 1
				if x != float64(want) || y != int32(2*want) || note != "migrated" {
					t.Errorf("record %d = (%v, %v, %v), want (%d, %d, migrated)", i, x, y, note, want, 2*want)
				}
				if msg.Time.Sec != uint32(i) {
					t.Errorf("record %d time %v", i, msg.Time)
				}
				i++
			}
			if i != 3 {
				t.Errorf("read %d pose records, want 3", i)
			}
		})
	}
}

func TestFixGapReported(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bag")
	dst := filepath.Join(dir, "out.bag")
	f.writeSource(t, src, 2)
	before, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}

	m, err := New(f.reg, []*Rule{f.r1()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Fix(context.Background(), src, dst)
	var gerr *GapError
	if !errors.As(err, &gerr) {
		t.Fatalf("Fix error = %v, want *GapError", err)
	}
	if len(gerr.Failures) != 1 {
		t.Fatalf("failures = %v, want one", gerr.Failures)
	}
	fail := gerr.Failures[0]
	if fail.Type != "pkg/Pose" || fail.MD5 != f.a.MD5 || fail.Target != f.c.MD5 {
		t.Errorf("failure = %+v", fail)
	}
	if len(fail.Chain) != 1 || fail.Chain[0].New.MD5 != f.b.MD5 {
		t.Errorf("chain = %v, want the A->B rule", fail.Chain)
	}
	if len(fail.Missing) != 1 || fail.Missing[0].From != f.b.MD5 || fail.Missing[0].To != f.c.MD5 {
		t.Errorf("missing = %v, want B->C", fail.Missing)
	}
	if fail.Offset == 0 {
		t.Error("failure offset not set")
	}

	if _, err := os.Stat(dst); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("output exists after gap: %v", err)
	}
	after, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("source changed")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the source", len(entries))
	}
}

func TestFixGapsAcrossTypes(t *testing.T) {
	const twistOld, twistNew = "int32 v\n", "float32 v\nfloat32 w\n"
	f := newFixture(t)
	cat := schema.NewMapCatalog(schema.StdTypes)
	cat.Register("pkg/Pose", poseC)
	cat.Register("pkg/Twist", twistNew)
	reg := schema.NewRegistry(cat)
	twistCur, err := reg.Current("pkg/Twist")
	if err != nil {
		t.Fatal(err)
	}
	twistA := parse(t, "pkg/Twist", twistOld)

	tests := []struct {
		name  string
		rules []*Rule
		// wantMissing lists the first missing source hash per type, in
		// order of first appearance.
		wantMissing []Gap
		wantChain   []int
	}{
		{"no rules", nil,
			[]Gap{{Type: "pkg/Pose", From: f.a.MD5, To: f.c.MD5}, {Type: "pkg/Twist", From: twistA.MD5, To: twistCur.MD5}},
			[]int{0, 0}},
		{"partial pose chain", []*Rule{f.r1()},
			[]Gap{{Type: "pkg/Pose", From: f.b.MD5, To: f.c.MD5}, {Type: "pkg/Twist", From: twistA.MD5, To: twistCur.MD5}},
			[]int{1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "in.bag")
			dst := filepath.Join(dir, "out.bag")
			w, err := bag.Create(src)
			if err != nil {
				t.Fatal(err)
			}
			for i := range 2 {
				pose := schema.New(f.a)
				if err := pose.Set("x", int32(i)); err != nil {
					t.Fatal(err)
				}
				if err := w.Write("/pose", schema.Time{Sec: uint32(i)}, bag.Decoded{Msg: pose}); err != nil {
					t.Fatal(err)
				}
				twist := schema.New(twistA)
				if err := twist.Set("v", int32(i)); err != nil {
					t.Fatal(err)
				}
				if err := w.Write("/twist", schema.Time{Sec: uint32(i), Nsec: 1}, bag.Decoded{Msg: twist}); err != nil {
					t.Fatal(err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			before, err := os.ReadFile(src)
			if err != nil {
				t.Fatal(err)
			}

			m, err := New(reg, tt.rules)
			if err != nil {
				t.Fatal(err)
			}
			_, err = m.Fix(context.Background(), src, dst)
			var gerr *GapError
			if !errors.As(err, &gerr) {
				t.Fatalf("Fix error = %v, want *GapError", err)
			}
			if len(gerr.Failures) != len(tt.wantMissing) {
				t.Fatalf("failures = %v, want %d", gerr.Failures, len(tt.wantMissing))
			}
			for i, fail := range gerr.Failures {
				want := tt.wantMissing[i]
				if fail.Type != want.Type || fail.Err != nil {
					t.Errorf("failure %d = %+v, want type %s", i, fail, want.Type)
					continue
				}
				if len(fail.Missing) == 0 || fail.Missing[0].From != want.From || fail.Missing[0].To != want.To {
					t.Errorf("%s missing = %v, want %s -> %s", fail.Type, fail.Missing, want.From, want.To)
				}
				if len(fail.Chain) != tt.wantChain[i] {
					t.Errorf("%s chain = %v, want %d rules", fail.Type, fail.Chain, tt.wantChain[i])
				}
			}
			for _, typ := range []string{"pkg/Pose", "pkg/Twist"} {
				if !strings.Contains(gerr.Error(), typ) {
					t.Errorf("error %q does not name %s", gerr.Error(), typ)
				}
			}

			after, err := os.ReadFile(src)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(before, after) {
				t.Error("source changed")
			}
			if _, err := os.Stat(dst); !errors.Is(err, fs.ErrNotExist) {
				t.Errorf("output exists after gaps: %v", err)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	back := &Rule{Old: f.b, New: f.a, Transform: func(in, out *schema.Message) error {
		CopyFields(in, out)
		return nil
	}}

	tests := []struct {
		name      string
		rules     []*Rule
		from      *schema.Spec
		wantChain int
		wantGaps  []string
	}{
		{name: "current", from: f.c},
		{name: "full chain", rules: []*Rule{f.r1(), f.r2()}, from: f.a, wantChain: 2},
		{name: "start mid chain", rules: []*Rule{f.r1(), f.r2()}, from: f.b, wantChain: 1},
		{name: "no rules", from: f.a, wantGaps: []string{f.a.MD5}},
		{name: "missing second", rules: []*Rule{f.r1()}, from: f.a, wantGaps: []string{f.b.MD5}},
		{name: "cycle", rules: []*Rule{f.r1(), back}, from: f.a, wantGaps: []string{f.b.MD5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(f.reg, tt.rules)
			if err != nil {
				t.Fatal(err)
			}
			chain, fail := m.plan("pkg/Pose", tt.from.MD5, tt.from)
			if tt.wantGaps == nil {
				if fail != nil {
					t.Fatalf("unexpected failure: %v", fail)
				}
				if len(chain) != tt.wantChain {
					t.Errorf("chain length %d, want %d", len(chain), tt.wantChain)
				}
				return
			}
			if fail == nil {
				t.Fatalf("chain %v, want a failure", chain)
			}
			var from []string
			for _, g := range fail.Missing {
				from = append(from, g.From)
				if g.To != f.c.MD5 {
					t.Errorf("gap %v does not lead to the installed hash", g)
				}
			}
			if strings.Join(from, ",") != strings.Join(tt.wantGaps, ",") {
				t.Errorf("gaps from %v, want %v", from, tt.wantGaps)
			}
		})
	}
}

func TestInvalidRules(t *testing.T) {
	f := newFixture(t)
	for _, r := range []*Rule{
		{Old: f.a, New: f.b},
		{Old: f.a, Transform: func(in, out *schema.Message) error { return nil }},
		{Old: f.a, New: f.a, Transform: func(in, out *schema.Message) error { return nil }},
	} {
		if _, err := New(f.reg, []*Rule{r}); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("New(%s) error = %v, want ErrInvalidRule", r, err)
		}
	}
}

func TestFixCanceled(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bag")
	f.writeSource(t, src, 2)

	m, err := New(f.reg, []*Rule{f.r1(), f.r2()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Fix(ctx, src, filepath.Join(dir, "out.bag")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fix error = %v, want context.Canceled", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries after cancel, want 1", len(entries))
	}
}

func TestScaffold(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bag")
	f.writeSource(t, src, 1)

	m, err := New(f.reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := m.Check(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Failures) != 1 || len(rep.Plans) != 1 {
		t.Fatalf("report = %+v, want one plan and one failure", rep)
	}

	var buf bytes.Buffer
	n, err := Scaffold(&buf, rep.Failures)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Scaffold wrote %d stubs, want 1", n)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("stub is not valid YAML: %v\n%s", err, buf.String())
	}
	d := doc.Rules[0]
	if d.OldMD5 != f.a.MD5 || d.NewMD5 != f.c.MD5 || strings.TrimSpace(d.OldDefinition) != strings.TrimSpace(poseA) {
		t.Errorf("stub = %+v", d)
	}
	// x changed type, y and note are new.
	for _, name := range []string{"x", "y", "note"} {
		if expr, ok := d.Fields[name]; !ok || expr != "" {
			t.Errorf("field %s = %q, %v; want an empty expression", name, expr, ok)
		}
	}

	l, err := NewLoader(f.reg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(&buf, "stub"); err == nil {
		t.Error("loading an unfilled stub succeeded")
	}
}
