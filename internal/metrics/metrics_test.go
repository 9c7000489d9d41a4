package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordRead("data")
	m.RecordWritten("data", 10)
	m.Corrupt()
	m.SchemaError("std_msgs/String")
	m.CacheLookup("hit")
	m.Migrated("pkg/A")
	if err := m.WriteToTextfile(filepath.Join(t.TempDir(), "m.prom")); err != nil {
		t.Fatalf("WriteToTextfile on nil: %v", err)
	}
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestWriteToTextfile(t *testing.T) {
	m := New()
	m.RecordRead("data")
	m.RecordRead("data")
	m.RecordRead("definition")
	m.RecordWritten("data", 42)
	m.CacheLookup("synthesized")
	m.Migrated("pkg/A")

	path := filepath.Join(t.TempDir(), "rosbag.prom")
	if err := m.WriteToTextfile(path); err != nil {
		t.Fatalf("WriteToTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	for _, want := range []string{
		`rosbag_records_read_total{kind="data"} 2`,
		`rosbag_records_read_total{kind="definition"} 1`,
		`rosbag_bytes_written_total 42`,
		`rosbag_schema_cache_lookups_total{result="synthesized"} 1`,
		`rosbag_migrated_records_total{type="pkg/A"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
