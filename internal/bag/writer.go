package bag

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"rosbag/internal/logging"
	"rosbag/internal/metrics"
	"rosbag/internal/schema"
)

// Writer appends records to a bag. Each record reaches the sink in a single
// Write call, in the order Write is called. A Writer is not safe for
// concurrent use, and only one Writer may append to a file at a time.
type Writer struct {
	w      io.Writer
	closer io.Closer

	version     Version
	compression Compression
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// defined holds the hashes whose definition record has been written.
	defined map[string]bool
	size    int64
	count   int
	err     error
}

// Create creates or truncates the file at path and starts a bag in it.
func Create(path string, opts ...Option) (*Writer, error) {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, opts...)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter starts a bag on w by writing the version marker.
func NewWriter(w io.Writer, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)
	bw := &Writer{
		w:           w,
		version:     o.version,
		compression: o.compression,
		metrics:     o.metrics,
		defined:     make(map[string]bool),
	}
	bw.logger = logging.Default(o.logger).With("component", "bag-writer")

	switch bw.version {
	case V11:
		if bw.compression != CompressionNone {
			return nil, fmt.Errorf("V1.1 bags do not support %s compression", bw.compression)
		}
	case V12:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, int(bw.version))
	}
	if _, err := ParseCompression(string(bw.compression)); err != nil {
		return nil, err
	}

	n, err := io.WriteString(w, bw.version.Marker()+"\n")
	bw.size += int64(n)
	if err != nil {
		return nil, fmt.Errorf("write version marker: %w", err)
	}
	return bw, nil
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Count returns the number of data records written.
func (w *Writer) Count() int { return w.count }

// Write appends one message. A Decoded payload is serialized with its
// spec; a Raw payload is written as is and must carry a full descriptor.
// In V1.2 the first record of each hash is preceded by its definition.
func (w *Writer) Write(topic string, t schema.Time, p Payload) error {
	if w.err != nil {
		return w.err
	}

	var desc schema.Descriptor
	var spec *schema.Spec
	var data []byte
	switch p := p.(type) {
	case Decoded:
		if p.Msg == nil {
			return errors.New("write: nil message")
		}
		b, err := schema.Encode(p.Msg)
		if err != nil {
			return fmt.Errorf("write %s: %w", topic, err)
		}
		spec, data = p.Msg.Spec, b
		desc = schema.Descriptor{Type: spec.Type, MD5: spec.MD5}
	case Raw:
		desc, data = p.Desc, p.Data
	default:
		return fmt.Errorf("write %s: unsupported payload %T", topic, p)
	}
	if desc.Type == "" || desc.MD5 == "" {
		return fmt.Errorf("write %s: descriptor without type or hash", topic)
	}

	if w.version == V11 {
		rec, err := encodeV11(topic, desc, t, data)
		if err != nil {
			return fmt.Errorf("write %s: %w", topic, err)
		}
		return w.emit("data", rec)
	}

	if !w.defined[desc.MD5] {
		if spec != nil {
			desc = spec.Descriptor()
		}
		if desc.Definition == "" {
			return fmt.Errorf("write %s: %s [%s] has no definition text", topic, desc.Type, desc.MD5)
		}
		rec, err := encodeDefinition(topic, desc)
		if err != nil {
			return fmt.Errorf("write definition of %s: %w", desc.Type, err)
		}
		if err := w.emit("definition", rec); err != nil {
			return err
		}
		w.defined[desc.MD5] = true
	}

	compressed, err := compressPayload(w.compression, data)
	if err != nil {
		return fmt.Errorf("compress %s payload: %w", topic, err)
	}
	rec, err := encodeData(topic, desc, t, w.compression, compressed)
	if err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return w.emit("data", rec)
}

// emit writes one physical record. A failed write leaves the sink in an
// unknown state, so the error is sticky.
func (w *Writer) emit(kind string, rec []byte) error {
	n, err := w.w.Write(rec)
	w.size += int64(n)
	if err != nil {
		w.err = fmt.Errorf("write record at offset %d: %w", w.size-int64(n), err)
		return w.err
	}
	if kind == "data" {
		w.count++
	}
	w.metrics.RecordWritten(kind, n)
	return nil
}

// Close syncs and closes the file opened by Create. For writers created
// with NewWriter the sink is synced if it supports it, and left open.
func (w *Writer) Close() error {
	if errors.Is(w.err, ErrClosed) {
		return nil
	}
	var errs []error
	if s, ok := w.w.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync bag: %w", err))
		}
	}
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.err = ErrClosed
	w.logger.Debug("bag closed", "records", w.count, "bytes", w.size)
	return errors.Join(errs...)
}
