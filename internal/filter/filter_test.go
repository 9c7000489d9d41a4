package filter

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"rosbag/internal/bag"
	"rosbag/internal/index"
	"rosbag/internal/schema"
)

func newCatalog() *schema.MapCatalog {
	c := schema.NewMapCatalog(schema.StdTypes)
	c.Register("pkg/Point", "int32 x\nint32 y\n")
	return c
}

func TestMatch(t *testing.T) {
	pt, err := newCatalog().Lookup("pkg/Point")
	if err != nil {
		t.Fatal(err)
	}
	m := schema.New(pt)
	_ = m.Set("x", 3)
	_ = m.Set("y", -4)

	tests := []struct {
		name   string
		expr   string
		topics []string
		topic  string
		want   bool
	}{
		{name: "empty", topic: "/a", want: true},
		{name: "field", expr: "m.x > 2", topic: "/a", want: true},
		{name: "field false", expr: "m.y > 0", topic: "/a", want: false},
		{name: "topic var", expr: "topic == '/points'", topic: "/points", want: true},
		{name: "time", expr: "t.secs == 10 && t.nsecs == 5", topic: "/a", want: true},
		{name: "glob", topics: []string{"/robot/**"}, topic: "/robot/arm/points", want: true},
		{name: "glob miss", topics: []string{"/robot/*"}, topic: "/robot/arm/points", want: false},
		{name: "glob and expr", expr: "m.x == 3", topics: []string{"/p*"}, topic: "/points", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.expr, WithTopics(tt.topics...))
			if err != nil {
				t.Fatal(err)
			}
			got, err := f.Match(tt.topic, schema.Time{Sec: 10, Nsec: 5}, m)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{"m.x >", "topic + 1", "unknown_var"} {
		if _, err := New(src); err == nil {
			t.Errorf("New(%q) succeeded", src)
		}
	}
	if _, err := New("true", WithTopics("/a/[")); err == nil {
		t.Error("invalid glob accepted")
	}
	if _, err := New("true", WithPrint("", &bytes.Buffer{})); err == nil {
		t.Error("empty print expression accepted")
	}
}

func TestMatchNonBool(t *testing.T) {
	f, err := New("m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Match("/a", schema.Time{}, nil); err == nil {
		t.Error("non-bool predicate matched")
	}
}

func TestRun(t *testing.T) {
	cat := newCatalog()
	pt, _ := cat.Lookup("pkg/Point")
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bag")
	dst := filepath.Join(dir, "out.bag")

	w, err := bag.Create(src, bag.WithCompression(bag.CompressionZstd))
	if err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		m := schema.New(pt)
		_ = m.Set("x", i)
		if err := w.Write(fmt.Sprintf("/p%d", i%2), schema.Time{Sec: uint32(i)}, bag.Decoded{Msg: m}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var printed bytes.Buffer
	f, err := New("m.x >= 4", WithTopics("/p0"), WithPrint("string(m.x) + '@' + string(t.secs)", &printed))
	if err != nil {
		t.Fatal(err)
	}
	r, err := bag.Open(src, bag.WithMode(bag.ModeRaw), bag.WithRegistry(schema.NewRegistry(cat)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	out, err := bag.Create(dst, bag.WithCompression(bag.CompressionZstd))
	if err != nil {
		t.Fatal(err)
	}
	st, err := f.Run(context.Background(), r, out)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	if st.Read != 10 || st.Kept != 3 || st.Skipped != 0 {
		t.Errorf("stats = %+v, want 10 read and 3 kept", st)
	}
	if got, want := strings.Fields(printed.String()), []string{"4@4", "6@6", "8@8"}; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("printed %v, want %v", got, want)
	}

	rr, err := bag.Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rr.Close() }()
	var xs []int32
	for m, err := range rr.All() {
		if err != nil {
			t.Fatal(err)
		}
		x, _ := m.Data.(bag.Decoded).Msg.Get("x")
		xs = append(xs, x.(int32))
	}
	if fmt.Sprint(xs) != "[4 6 8]" {
		t.Errorf("filtered bag holds %v", xs)
	}
}

func TestRunAt(t *testing.T) {
	cat := newCatalog()
	pt, _ := cat.Lookup("pkg/Point")
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bag")
	dst := filepath.Join(dir, "out.bag")

	w, err := bag.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		m := schema.New(pt)
		_ = m.Set("x", i)
		if err := w.Write(fmt.Sprintf("/p%d", i%2), schema.Time{Sec: uint32(i)}, bag.Decoded{Msg: m}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	idx, err := index.BuildFile(context.Background(), src, bag.WithRegistry(schema.NewRegistry(cat)))
	if err != nil {
		t.Fatal(err)
	}
	var positions []int64
	for _, e := range idx.Window(schema.Time{Sec: 3}, schema.Time{Sec: 7}) {
		positions = append(positions, e.Pos)
	}

	f, err := New("m.x != 5")
	if err != nil {
		t.Fatal(err)
	}
	r, err := bag.Open(src, bag.WithMode(bag.ModeRaw), bag.WithRegistry(schema.NewRegistry(cat)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	out, err := bag.Create(dst)
	if err != nil {
		t.Fatal(err)
	}
	st, err := f.RunAt(context.Background(), r, out, positions)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	if st.Read != 5 || st.Kept != 4 {
		t.Errorf("stats = %+v, want 5 read and 4 kept", st)
	}

	rr, err := bag.Open(dst, bag.WithRegistry(schema.NewRegistry(cat)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rr.Close() }()
	var xs []int32
	for m, err := range rr.All() {
		if err != nil {
			t.Fatal(err)
		}
		x, _ := m.Data.(bag.Decoded).Msg.Get("x")
		xs = append(xs, x.(int32))
	}
	if fmt.Sprint(xs) != "[3 4 6 7]" {
		t.Errorf("windowed bag holds %v", xs)
	}
}
