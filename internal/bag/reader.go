package bag

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"rosbag/internal/format"
	"rosbag/internal/logging"
	"rosbag/internal/metrics"
	"rosbag/internal/schema"
)

// connection is what a reader knows about one hash in the stream.
type connection struct {
	desc  schema.Descriptor
	codec *schema.Codec
	err   error
}

// Reader iterates the data records of a bag in file order.
//
// Format errors are sticky: once Next returns a *FormatError it returns the
// same error until Reset or SeekRecord. Schema errors (*SchemaError) affect one
// record only.
type Reader struct {
	src     io.ReadSeeker
	closer  io.Closer
	rr      recordReader
	version Version
	start   int64

	mode     Mode
	registry *schema.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	conns map[string]*connection
	// scanned is the offset up to which definitions have been processed.
	scanned int64
	err     error
}

// Open opens the bag at path.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads a bag from src, which is positioned by the reader.
func NewReader(src io.ReadSeeker, opts ...Option) (*Reader, error) {
	o := buildOptions(opts)
	r := &Reader{
		src:      src,
		mode:     o.mode,
		registry: o.registry,
		metrics:  o.metrics,
		conns:    make(map[string]*connection),
	}
	r.logger = logging.Default(o.logger).With("component", "bag-reader")
	if r.registry == nil {
		r.registry = schema.NewRegistry(nil, schema.WithLogger(o.logger), schema.WithMetrics(o.metrics))
	}

	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("size bag: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind bag: %w", err)
	}
	marker, n, err := format.ReadMarker(src)
	if err != nil {
		if errors.Is(err, format.ErrUnknownMarker) {
			return nil, &FormatError{Offset: 0, Reason: fmt.Sprintf("version marker %q", marker), Err: ErrUnknownVersion}
		}
		return nil, fmt.Errorf("read version marker: %w", err)
	}
	r.version, _ = versionOf(marker)
	r.start = int64(n)
	r.rr = recordReader{br: bufio.NewReaderSize(src, maxLineLen), size: size}
	if err := r.seek(r.start); err != nil {
		return nil, err
	}
	r.scanned = r.start
	return r, nil
}

// Version returns the format version.
func (r *Reader) Version() Version { return r.version }

// Size returns the size of the bag in bytes.
func (r *Reader) Size() int64 { return r.rr.size }

// Pos returns the offset of the next record.
func (r *Reader) Pos() int64 { return r.rr.pos }

// DataStart returns the offset of the first record.
func (r *Reader) DataStart() int64 { return r.start }

// Mode returns the reader mode.
func (r *Reader) Mode() Mode { return r.mode }

// Registry returns the schema registry the reader resolves with.
func (r *Reader) Registry() *schema.Registry { return r.registry }

// Close releases the file opened by Open.
func (r *Reader) Close() error {
	r.err = ErrClosed
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}

func (r *Reader) seek(pos int64) error {
	if _, err := r.src.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", pos, err)
	}
	r.rr.br.Reset(r.src)
	r.rr.pos = pos
	return nil
}

// Reset rewinds to the first record.
func (r *Reader) Reset() error {
	return r.SeekRecord(r.start)
}

// SeekRecord positions the reader at pos, which must be the offset of a record
// (Message.Pos). Definition records before pos are processed first so data
// records after pos stay resolvable.
func (r *Reader) SeekRecord(pos int64) error {
	if errors.Is(r.err, ErrClosed) {
		return ErrClosed
	}
	if pos < r.start || pos > r.rr.size {
		return fmt.Errorf("seek to %d: outside records [%d, %d]", pos, r.start, r.rr.size)
	}
	r.err = nil
	if r.version == V12 && pos > r.scanned {
		if err := r.seek(r.scanned); err != nil {
			return err
		}
		for r.rr.pos < pos {
			rec, err := r.rr.nextV12(true)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return err
			}
			if rec.op == opDefinition {
				r.define(rec)
			}
		}
		if r.rr.pos != pos {
			return fmt.Errorf("seek to %d: not a record boundary", pos)
		}
		r.scanned = pos
	}
	return r.seek(pos)
}

// Next returns the next data record. It returns ErrNoMoreRecords at the end.
func (r *Reader) Next() (*Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		rec, err := r.readRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.err = ErrNoMoreRecords
				return nil, r.err
			}
			var fe *FormatError
			if errors.As(err, &fe) {
				r.metrics.Corrupt()
			}
			r.err = err
			return nil, err
		}
		r.scanned = max(r.scanned, r.rr.pos)

		if rec.op == opDefinition {
			r.metrics.RecordRead("definition")
			r.define(rec)
			continue
		}
		r.metrics.RecordRead("data")
		return r.message(rec)
	}
}

// All returns an iterator over the remaining records. Schema errors are
// yielded and iteration continues; any other error is yielded last.
func (r *Reader) All() iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			m, err := r.Next()
			if errors.Is(err, ErrNoMoreRecords) {
				return
			}
			if !yield(m, err) {
				return
			}
			var se *SchemaError
			if err != nil && !errors.As(err, &se) {
				return
			}
		}
	}
}

func (r *Reader) readRecord() (*record, error) {
	skip := r.mode == ModeHeaders
	if r.version == V11 {
		return r.rr.nextV11(skip)
	}
	return r.rr.nextV12(skip)
}

// define registers a V1.2 definition record. Resolution failures are kept
// and reported on the data records that use the hash.
func (r *Reader) define(rec *record) {
	desc := schema.Descriptor{Type: rec.typ, MD5: rec.md5, Definition: rec.def}
	if c, ok := r.conns[rec.md5]; ok && c.desc.Definition == rec.def {
		return
	}
	conn := &connection{desc: desc}
	if r.mode != ModeHeaders {
		conn.codec, conn.err = r.registry.Define(rec.typ, rec.md5, rec.def)
	}
	r.conns[rec.md5] = conn
}

// connectionFor returns the connection of a data record.
func (r *Reader) connectionFor(rec *record) (*connection, error) {
	if conn, ok := r.conns[rec.md5]; ok {
		return conn, nil
	}
	if r.version == V12 {
		return nil, ErrUndefinedConnection
	}
	conn := &connection{desc: schema.Descriptor{Type: rec.typ, MD5: rec.md5}}
	if r.mode != ModeHeaders {
		conn.codec, conn.err = r.registry.Resolve(rec.typ, rec.md5)
		if conn.err == nil {
			conn.desc.Definition = conn.codec.Desc.Definition
		}
	}
	r.conns[rec.md5] = conn
	return conn, nil
}

func (r *Reader) schemaError(rec *record, err error) *SchemaError {
	r.metrics.SchemaError(rec.typ)
	return &SchemaError{Type: rec.typ, MD5: rec.md5, Topic: rec.topic, Offset: rec.pos, Err: err}
}

func (r *Reader) message(rec *record) (*Message, error) {
	conn, err := r.connectionFor(rec)
	if err != nil {
		return nil, r.schemaError(rec, err)
	}
	m := &Message{Topic: rec.topic, Time: rec.time, Pos: rec.pos, Desc: conn.desc, Compression: rec.compression}
	if m.Compression == "" {
		m.Compression = CompressionNone
	}
	if r.mode == ModeHeaders {
		return m, nil
	}
	if conn.err != nil {
		return nil, r.schemaError(rec, conn.err)
	}

	payload, err := decompressPayload(rec.compression, rec.payload)
	if err != nil {
		fe := corrupt(rec.pos, "decompress %s payload: %v", rec.compression, err)
		r.metrics.Corrupt()
		r.err = fe
		return nil, fe
	}

	if r.mode == ModeRaw {
		m.Data = Raw{Desc: conn.codec.Desc, Data: payload}
		return m, nil
	}
	msg, err := conn.codec.Decode(payload)
	if err != nil {
		return nil, r.schemaError(rec, err)
	}
	m.Data = Decoded{Msg: msg}
	return m, nil
}
