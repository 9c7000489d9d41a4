package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rosbag/internal/bag"
	"rosbag/internal/config"
	configfile "rosbag/internal/config/file"
	"rosbag/internal/home"
	"rosbag/internal/index"
	"rosbag/internal/schema"
)

// harness runs commands against one temporary home directory.
type harness struct {
	t    *testing.T
	home string
	dir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{t: t, home: t.TempDir(), dir: t.TempDir()}
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

// run executes one command line with a fresh App and returns its output.
func (h *harness) run(args ...string) (stdout, stderr string, err error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	app := New("1.2.3", &out, &errOut)
	err = app.Run(context.Background(), append([]string{"--home", h.home}, args...))
	return out.String(), errOut.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, errOut, err := h.run(args...)
	if err != nil {
		h.t.Fatalf("rosbag %s: %v\nstderr:\n%s", strings.Join(args, " "), err, errOut)
	}
	return out
}

func (h *harness) writeFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.home, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatal(err)
	}
}

func stdSpec(t *testing.T, typ string) *schema.Spec {
	t.Helper()
	s, err := schema.NewRegistry(schema.NewMapCatalog(schema.StdTypes)).Current(typ)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// writeChatter writes one std_msgs/String record per second in secs.
func writeChatter(t *testing.T, path string, secs []uint32, opts ...bag.Option) {
	t.Helper()
	spec := stdSpec(t, "std_msgs/String")
	w, err := bag.Create(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range secs {
		m := schema.New(spec)
		if err := m.Set("data", fmt.Sprintf("hello %d", s)); err != nil {
			t.Fatal(err)
		}
		if err := w.Write("/chatter", schema.Time{Sec: s}, bag.Decoded{Msg: m}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// readAll returns the decoded records of path.
func readAll(t *testing.T, path string, reg *schema.Registry) []*bag.Message {
	t.Helper()
	opts := []bag.Option{}
	if reg != nil {
		opts = append(opts, bag.WithRegistry(reg))
	}
	r, err := bag.Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	var msgs []*bag.Message
	for m, err := range r.All() {
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func dataOf(t *testing.T, m *bag.Message, field string) any {
	t.Helper()
	d, ok := m.Data.(bag.Decoded)
	if !ok {
		t.Fatalf("payload is %T, want Decoded", m.Data)
	}
	v, ok := d.Msg.Get(field)
	if !ok {
		t.Fatalf("%s has no field %s", d.Msg.Type(), field)
	}
	return v
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	if out := h.mustRun("version"); out != "1.2.3\n" {
		t.Errorf("version = %q", out)
	}
}

func TestInfo(t *testing.T) {
	h := newHarness(t)
	path := h.path("chatter.bag")
	writeChatter(t, path, []uint32{1, 2, 3})

	out := h.mustRun("info", path)
	for _, want := range []string{"messages:", "std_msgs/String", "/chatter", "1.2"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output lacks %q:\n%s", want, out)
		}
	}

	out = h.mustRun("info", "-o", "json", path)
	if !strings.Contains(out, `"messages": 3`) {
		t.Errorf("json output:\n%s", out)
	}
}

func TestInfoMissingBag(t *testing.T) {
	h := newHarness(t)
	good := h.path("good.bag")
	writeChatter(t, good, []uint32{1})
	missing := h.path("missing.bag")

	out, errOut, err := h.run("info", good, missing)
	if err == nil {
		t.Fatal("info succeeded with a missing bag")
	}
	if !strings.Contains(errOut, missing) {
		t.Errorf("stderr does not name the missing bag:\n%s", errOut)
	}
	if !strings.Contains(out, good) {
		t.Errorf("the readable bag was not summarized:\n%s", out)
	}
}

func TestInfoTruncatedBag(t *testing.T) {
	h := newHarness(t)
	path := h.path("cut.bag")
	writeChatter(t, path, []uint32{1, 2, 3})
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatal(err)
	}

	out, errOut, err := h.run("info", path)
	if err == nil {
		t.Fatal("info succeeded on a truncated bag")
	}
	if !strings.Contains(errOut, path) {
		t.Errorf("stderr does not name the bag:\n%s", errOut)
	}
	for _, want := range []string{"messages:", "2", "/chatter", "truncated at offset"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output lacks %q:\n%s", want, out)
		}
	}

	out, _, _ = h.run("info", "-o", "json", path)
	if !strings.Contains(out, `"messages": 2`) || !strings.Contains(out, `"truncated_at"`) {
		t.Errorf("json output:\n%s", out)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	h := newHarness(t)
	path := h.path("chatter.bag")
	writeChatter(t, path, []uint32{1, 2, 3, 4})

	h.mustRun("compress", "-q", path)
	if c, err := firstCompression(path); err != nil || c != bag.CompressionZstd {
		t.Fatalf("after compress: %q, %v", c, err)
	}
	if _, err := os.Stat(bag.BackupPath(path)); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	// The backup from compress blocks decompress until forced.
	_, errOut, err := h.run("decompress", path)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(errOut, "skipping") {
		t.Errorf("stderr = %q, want a skip notice", errOut)
	}

	h.mustRun("decompress", "-f", "-q", path)
	if c, err := firstCompression(path); err != nil || c != bag.CompressionNone {
		t.Fatalf("after decompress: %q, %v", c, err)
	}
	msgs := readAll(t, path, nil)
	if len(msgs) != 4 {
		t.Fatalf("read %d records, want 4", len(msgs))
	}
	if got := dataOf(t, msgs[3], "data"); got != "hello 4" {
		t.Errorf("last record = %v", got)
	}
}

func TestFilter(t *testing.T) {
	h := newHarness(t)
	in, out := h.path("in.bag"), h.path("out.bag")
	writeChatter(t, in, []uint32{1, 2, 3, 4, 5})

	stdout, errOut, err := h.run("filter", in, out, "t.secs >= 4", "-p", "m.data")
	if err != nil {
		t.Fatalf("filter: %v\n%s", err, errOut)
	}
	if !strings.Contains(errOut, "kept 2 of 5 records") {
		t.Errorf("stderr = %q", errOut)
	}
	if stdout != "hello 4\nhello 5\n" {
		t.Errorf("printed %q", stdout)
	}
	if msgs := readAll(t, out, nil); len(msgs) != 2 {
		t.Errorf("output has %d records, want 2", len(msgs))
	}
}

func TestFilterBadExpression(t *testing.T) {
	h := newHarness(t)
	in, out := h.path("in.bag"), h.path("out.bag")
	writeChatter(t, in, []uint32{1})

	if _, _, err := h.run("filter", in, out, "m.data +"); err == nil {
		t.Fatal("filter accepted a malformed expression")
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output exists after a failed filter: %v", err)
	}
}

func TestFilterWindow(t *testing.T) {
	h := newHarness(t)
	in, out := h.path("in.bag"), h.path("out.bag")
	writeChatter(t, in, []uint32{1, 2, 3, 4, 5, 6})

	h.mustRun("filter", "--start", "2.5", "--end", "5", in, out, "m.data != 'hello 4'")
	var got []string
	for _, m := range readAll(t, out, nil) {
		got = append(got, dataOf(t, m, "data").(string))
	}
	if strings.Join(got, ",") != "hello 3,hello 5" {
		t.Errorf("windowed output = %v", got)
	}

	if _, _, err := h.run("filter", "--start", "5", "--end", "2", in, h.path("bad.bag")); err == nil {
		t.Error("filter accepted an end before the start")
	}
}

func TestParseStamp(t *testing.T) {
	tests := []struct {
		in      string
		want    schema.Time
		wantErr bool
	}{
		{"12", schema.Time{Sec: 12}, false},
		{"12.5", schema.Time{Sec: 12, Nsec: 500_000_000}, false},
		{"0.000000001", schema.Time{Nsec: 1}, false},
		{"1.0000000001", schema.Time{}, true},
		{"-1", schema.Time{}, true},
		{"4294967296", schema.Time{}, true},
		{"x", schema.Time{}, true},
		{"3.x", schema.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseStamp(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIndexAndSort(t *testing.T) {
	h := newHarness(t)
	in, out := h.path("in.bag"), h.path("sorted.bag")
	writeChatter(t, in, []uint32{5, 1, 4, 2, 3})

	h.mustRun("index", in)
	idx, err := index.Load(index.SidecarPath(in))
	if err != nil {
		t.Fatalf("load side-car: %v", err)
	}
	if idx.Count != 5 {
		t.Errorf("side-car count = %d", idx.Count)
	}

	h.mustRun("sort", in, out)
	msgs := readAll(t, out, nil)
	if len(msgs) != 5 {
		t.Fatalf("sorted bag has %d records", len(msgs))
	}
	for i, m := range msgs {
		if m.Time.Sec != uint32(i+1) {
			t.Errorf("record %d at %s, want sec %d", i, m.Time, i+1)
		}
	}
}

const (
	poseOld = "int32 x\n"
	poseNew = "float64 x\nint32 y\n"

	poseRule = `rules:
  - old_type: pkg/Pose
    old_definition: |
      int32 x
    fields:
      x: "double(old.x)"
      y: "old.x * 10"
`
)

// writePoses writes pkg/Pose records in the old layout and installs the
// new layout in the home msg directory.
func (h *harness) writePoses(path string, n int) {
	h.t.Helper()
	old, err := schema.Parse("pkg/Pose", poseOld, nil)
	if err != nil {
		h.t.Fatal(err)
	}
	w, err := bag.Create(path)
	if err != nil {
		h.t.Fatal(err)
	}
	for i := range n {
		m := schema.New(old)
		if err := m.Set("x", int32(i+1)); err != nil {
			h.t.Fatal(err)
		}
		if err := w.Write("/pose", schema.Time{Sec: uint32(i)}, bag.Decoded{Msg: m}); err != nil {
			h.t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		h.t.Fatal(err)
	}
	h.writeFile(filepath.Join("msg", "pkg", "msg", "Pose.msg"), poseNew)
}

func TestFixReportsGap(t *testing.T) {
	h := newHarness(t)
	in, out := h.path("in.bag"), h.path("out.bag")
	h.writePoses(in, 2)

	_, errOut, err := h.run("fix", in, out)
	if err == nil {
		t.Fatal("fix succeeded without rules")
	}
	if !strings.Contains(errOut, "pkg/Pose") || !strings.Contains(errOut, "rosbag check -g") {
		t.Errorf("stderr:\n%s", errOut)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output written despite gap: %v", err)
	}

	if _, _, err := h.run("check", in); err == nil {
		t.Error("check without -g succeeded on a bag with gaps")
	}

	stubs := h.path("stubs.bmr.yaml")
	h.mustRun("check", "-g", stubs, in)
	data, err := os.ReadFile(stubs)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"old_type: pkg/Pose", "int32 x", "y: \"\""} {
		if !strings.Contains(string(data), want) {
			t.Errorf("stubs lack %q:\n%s", want, data)
		}
	}
	if _, _, err := h.run("check", "-g", stubs, in); err == nil {
		t.Error("check -g overwrote an existing stub file")
	}
	h.mustRun("check", "-a", "-g", stubs, in)
}

func TestFixWithRules(t *testing.T) {
	h := newHarness(t)
	in, out := h.path("in.bag"), h.path("out.bag")
	h.writePoses(in, 3)
	h.writeFile(filepath.Join("rules", "pose.bmr.yaml"), poseRule)

	if got := h.mustRun("check", in); !strings.Contains(got, "pkg/Pose") {
		t.Errorf("check output:\n%s", got)
	}

	_, errOut, err := h.run("fix", in, out)
	if err != nil {
		t.Fatalf("fix: %v\n%s", err, errOut)
	}
	if !strings.Contains(errOut, "migrated 3") {
		t.Errorf("stderr = %q", errOut)
	}

	reg := schema.NewRegistry(schema.Catalogs{
		schema.NewDirCatalog(home.New(h.home).MsgDir()),
		schema.NewMapCatalog(schema.StdTypes),
	})
	msgs := readAll(t, out, reg)
	if len(msgs) != 3 {
		t.Fatalf("output has %d records", len(msgs))
	}
	if x := dataOf(t, msgs[2], "x"); x != float64(3) {
		t.Errorf("x = %v (%T)", x, x)
	}
	if y := dataOf(t, msgs[2], "y"); y != int32(30) {
		t.Errorf("y = %v (%T)", y, y)
	}

	if got := h.mustRun("check", out); !strings.Contains(got, "up to date") {
		t.Errorf("check of the fixed bag:\n%s", got)
	}
}

func TestExec(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.run("play", "x.bag"); err == nil || !strings.Contains(err.Error(), "play_command") {
		t.Fatalf("unconfigured play: %v", err)
	}

	store := configfile.NewStore(home.New(h.home).ConfigPath())
	if err := store.Save(&config.Config{RecordCommand: []string{"echo", "recording"}}); err != nil {
		t.Fatal(err)
	}
	out := h.mustRun("record", "--", "-a", "--duration=1")
	if out != "recording -a --duration=1\n" {
		t.Errorf("record output = %q", out)
	}

	if err := store.Save(&config.Config{PlayCommand: []string{"sh", "-c", "exit 3"}}); err != nil {
		t.Fatal(err)
	}
	_, _, err := h.run("play", "x.bag")
	var xerr *ExitError
	if !errors.As(err, &xerr) || xerr.Code != 3 {
		t.Fatalf("failing player: err = %v, want exit code 3", err)
	}
}

func TestLogLevels(t *testing.T) {
	h := newHarness(t)
	if _, errOut, _ := h.run("version"); strings.Contains(errOut, "config loaded") {
		t.Errorf("debug output without -v:\n%s", errOut)
	}
	if _, errOut, _ := h.run("-v", "version"); !strings.Contains(errOut, "config loaded") {
		t.Errorf("-v did not enable debug output:\n%s", errOut)
	}

	h.writeFile("config.json", `{"version": 1, "config": {"log_levels": {"cli": "warn"}}}`)
	if _, errOut, _ := h.run("-v", "version"); strings.Contains(errOut, "config loaded") {
		t.Errorf("log_levels did not quiet the cli component:\n%s", errOut)
	}
}

func TestBadConfig(t *testing.T) {
	h := newHarness(t)
	h.writeFile("config.json", `{"version": 1, "config": {"compression": "lz4"}}`)
	if _, _, err := h.run("version"); err == nil {
		t.Fatal("invalid config accepted")
	}
}
