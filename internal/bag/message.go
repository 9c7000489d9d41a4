// Package bag reads and writes bag files: a version marker line followed by
// an append-only sequence of time-stamped, topic-tagged records.
//
// Two format versions exist. V1.1 records carry a topic, hash and type name
// per record and rely on installed types for decoding. V1.2 records are
// op-coded: a definition record embeds a type's full definition text before
// the first data record using its hash, so V1.2 bags are self-describing.
// Writers always produce V1.2 unless asked otherwise.
package bag

import (
	"log/slog"

	"rosbag/internal/metrics"
	"rosbag/internal/schema"
)

// Payload is the content of a message: Decoded or Raw.
type Payload interface {
	isPayload()
}

// Decoded is a deserialized message.
type Decoded struct {
	Msg *schema.Message
}

// Raw is a serialized message with the descriptor of its layout.
type Raw struct {
	Desc schema.Descriptor
	Data []byte
}

func (Decoded) isPayload() {}
func (Raw) isPayload()     {}

// Message is one data record read from a bag.
type Message struct {
	Topic string
	Time  schema.Time
	// Pos is the offset of the record's first byte. SeekRecord accepts it.
	Pos  int64
	Desc schema.Descriptor
	// Compression is how the payload was stored on disk.
	Compression Compression
	// Data is Decoded in ModeDecoded, Raw in ModeRaw, and nil in
	// ModeHeaders.
	Data Payload
}

// Mode selects how much work the Reader does per data record.
type Mode int

const (
	// ModeDecoded resolves the schema and deserializes every payload.
	ModeDecoded Mode = iota
	// ModeRaw resolves the schema but returns payload bytes undecoded.
	ModeRaw
	// ModeHeaders skips payloads and schema resolution.
	ModeHeaders
)

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	registry    *schema.Registry
	mode        Mode
	compression Compression
	version     Version
}

// Option configures a Reader or Writer.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry sets the schema registry a Reader resolves hashes with.
// Without one, a Reader uses a private registry with no catalog.
func WithRegistry(r *schema.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMode sets the Reader mode.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithCompression sets the payload compression of a Writer.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithVersion sets the format version of a Writer.
func WithVersion(v Version) Option {
	return func(o *options) { o.version = v }
}

func buildOptions(opts []Option) options {
	o := options{compression: CompressionNone, version: V12}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
