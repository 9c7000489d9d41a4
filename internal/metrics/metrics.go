// Package metrics counts bag reads, writes, schema cache activity and
// migrations. All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rosbag"

// Metrics holds counters registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	recordsRead    *prometheus.CounterVec
	recordsWritten *prometheus.CounterVec
	bytesWritten   prometheus.Counter
	corrupt        prometheus.Counter
	schemaErrors   *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	migrated       *prometheus.CounterVec
}

// New returns Metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		recordsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_read_total",
				Help:      "Records read by kind.",
			},
			[]string{"kind"},
		),
		recordsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Records written by kind.",
			},
			[]string{"kind"},
		),
		bytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Bytes written to bag files.",
			},
		),
		corrupt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrupt_records_total",
				Help:      "Format errors that stopped a read.",
			},
		),
		schemaErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_errors_total",
				Help:      "Records whose schema could not be resolved, by type.",
			},
			[]string{"type"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_cache_lookups_total",
				Help:      "Schema registry lookups by result (hit, catalog, synthesized).",
			},
			[]string{"result"},
		),
		migrated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrated_records_total",
				Help:      "Records rewritten through a migration chain, by type.",
			},
			[]string{"type"},
		),
	}
	m.reg.MustRegister(
		m.recordsRead,
		m.recordsWritten,
		m.bytesWritten,
		m.corrupt,
		m.schemaErrors,
		m.cacheLookups,
		m.migrated,
	)
	return m
}

// Registry returns the registry the counters are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) RecordRead(kind string) {
	if m != nil {
		m.recordsRead.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordWritten(kind string, n int) {
	if m != nil {
		m.recordsWritten.WithLabelValues(kind).Inc()
		m.bytesWritten.Add(float64(n))
	}
}

func (m *Metrics) Corrupt() {
	if m != nil {
		m.corrupt.Inc()
	}
}

func (m *Metrics) SchemaError(typeName string) {
	if m != nil {
		m.schemaErrors.WithLabelValues(typeName).Inc()
	}
}

// CacheLookup counts a registry lookup. result is "hit", "catalog" or
// "synthesized".
func (m *Metrics) CacheLookup(result string) {
	if m != nil {
		m.cacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Migrated(typeName string) {
	if m != nil {
		m.migrated.WithLabelValues(typeName).Inc()
	}
}

// WriteToTextfile writes all counters in the text exposition format,
// replacing path atomically.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
