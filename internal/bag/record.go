package bag

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"rosbag/internal/format"
	"rosbag/internal/schema"
)

// Version is the on-disk format version of a bag.
type Version int

const (
	V11 Version = 11
	V12 Version = 12
)

func (v Version) String() string {
	switch v {
	case V11:
		return "1.1"
	case V12:
		return "1.2"
	}
	return fmt.Sprintf("Version(%d)", int(v))
}

// Marker returns the first line of a bag of version v, without newline.
func (v Version) Marker() string {
	if v == V11 {
		return format.MarkerV11
	}
	return format.MarkerV12
}

func versionOf(marker string) (Version, bool) {
	switch marker {
	case format.MarkerV11:
		return V11, true
	case format.MarkerV12:
		return V12, true
	}
	return 0, false
}

// V1.2 op codes.
const (
	opDefinition byte = 0x01
	opData       byte = 0x02
)

// V1.2 header field names.
const (
	fieldOp          = "op"
	fieldTopic       = "topic"
	fieldMD5         = "md5"
	fieldType        = "type"
	fieldDef         = "def"
	fieldSec         = "sec"
	fieldNsec        = "nsec"
	fieldCompression = "compression"
)

// v11Header is the fixed sec, nsec, len header of a V1.1 record.
const v11Header = 12

// maxLineLen bounds the text lines of a V1.1 record.
const maxLineLen = 64 << 10

var errLongLine = fmt.Errorf("line longer than %d bytes", maxLineLen)

// legacyTypes are V1.1 datatypes whose package was renamed.
var legacyTypes = map[string]string{
	"rostools/Header": "roslib/Header",
	"rostools/Log":    "roslib/Log",
	"rostools/Time":   "roslib/Time",
}

// record is one physical record as framed on disk.
type record struct {
	op          byte
	topic       string
	md5         string
	typ         string
	def         string
	time        schema.Time
	compression Compression
	payload     []byte

	// pos is the offset of the record's first byte.
	pos int64
}

// recordReader frames records from a buffered source, tracking the offset
// of every byte consumed.
type recordReader struct {
	br   *bufio.Reader
	pos  int64
	size int64
}

func (rr *recordReader) remaining() int64 { return rr.size - rr.pos }

// ioErr classifies an error from a framing read at the start of a record.
func (rr *recordReader) ioErr(start int64, what string, err error) error {
	switch {
	case errors.Is(err, format.ErrShortBlock),
		errors.Is(err, format.ErrBlockOverrun),
		errors.Is(err, errLongLine),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return corrupt(start, "%s: %v", what, err)
	}
	return fmt.Errorf("read record at offset %d: %w", start, err)
}

// block reads one length-prefixed block. When skip is set the data is
// discarded and nil returned.
func (rr *recordReader) block(skip bool) ([]byte, error) {
	data, n, err := format.ReadBlock(rr.br, rr.remaining(), skip)
	rr.pos += n
	return data, err
}

// nextV12 reads one V1.2 record. It returns io.EOF at a clean end.
func (rr *recordReader) nextV12(skipPayload bool) (*record, error) {
	start := rr.pos
	hdr, err := rr.block(false)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, rr.ioErr(start, "header block", err)
	}
	fields, err := format.DecodeFields(hdr)
	if err != nil {
		return nil, corrupt(start, "header fields: %v", err)
	}

	rec := &record{pos: start}
	op, ok := fields[fieldOp]
	if !ok || len(op) != 1 {
		return nil, corrupt(start, "missing or malformed op field")
	}
	rec.op = op[0]

	switch rec.op {
	case opDefinition:
		if missing, ok := fields.Has(fieldTopic, fieldMD5, fieldType, fieldDef); !ok {
			return nil, corrupt(start, "definition record missing %q", missing)
		}
		rec.def = fields.String(fieldDef)
	case opData:
		if missing, ok := fields.Has(fieldTopic, fieldMD5, fieldType, fieldSec, fieldNsec); !ok {
			return nil, corrupt(start, "data record missing %q", missing)
		}
		sec, ok1 := fields.Uint32(fieldSec)
		nsec, ok2 := fields.Uint32(fieldNsec)
		if !ok1 || !ok2 {
			return nil, corrupt(start, "malformed timestamp")
		}
		rec.time = schema.Time{Sec: sec, Nsec: nsec}
		if c, ok := fields[fieldCompression]; ok {
			comp, err := ParseCompression(string(c))
			if err != nil {
				return nil, corrupt(start, "%v", err)
			}
			rec.compression = comp
		}
	default:
		return nil, corrupt(start, "unknown op 0x%02x", rec.op)
	}
	rec.topic = fields.String(fieldTopic)
	rec.md5 = fields.String(fieldMD5)
	rec.typ = fields.String(fieldType)

	payload, err := rr.block(skipPayload)
	if err != nil {
		return nil, rr.ioErr(start, "payload block", err)
	}
	rec.payload = payload
	return rec, nil
}

// line reads one newline-terminated V1.1 text line.
func (rr *recordReader) line() (string, error) {
	b, err := rr.br.ReadSlice('\n')
	rr.pos += int64(len(b))
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errLongLine
		}
		if len(b) == 0 && errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(b[:len(b)-1]), nil
}

// nextV11 reads one V1.1 record. It returns io.EOF at a clean end.
func (rr *recordReader) nextV11(skipPayload bool) (*record, error) {
	start := rr.pos
	rec := &record{op: opData, pos: start}

	var lines [3]string
	for i := range lines {
		l, err := rr.line()
		if errors.Is(err, io.EOF) {
			if i == 0 {
				return nil, io.EOF
			}
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, rr.ioErr(start, "record header line", err)
		}
		lines[i] = l
	}
	rec.topic, rec.md5, rec.typ = lines[0], lines[1], lines[2]
	if renamed, ok := legacyTypes[rec.typ]; ok {
		rec.typ = renamed
	}

	var hdr [v11Header]byte
	n, err := io.ReadFull(rr.br, hdr[:])
	rr.pos += int64(n)
	if err != nil {
		return nil, rr.ioErr(start, "record time header", err)
	}
	rec.time = schema.Time{
		Sec:  binary.LittleEndian.Uint32(hdr[0:4]),
		Nsec: binary.LittleEndian.Uint32(hdr[4:8]),
	}
	size := int64(binary.LittleEndian.Uint32(hdr[8:12]))
	if size > rr.remaining() {
		return nil, corrupt(start, "payload length %d exceeds remaining %d bytes", size, rr.remaining())
	}

	if skipPayload {
		d, err := rr.br.Discard(int(size))
		rr.pos += int64(d)
		if err != nil {
			return nil, rr.ioErr(start, "payload", err)
		}
		return rec, nil
	}
	rec.payload = make([]byte, size)
	n, err = io.ReadFull(rr.br, rec.payload)
	rr.pos += int64(n)
	if err != nil {
		return nil, rr.ioErr(start, "payload", err)
	}
	return rec, nil
}

func appendRecord(dst []byte, fields format.Fields, payload []byte) ([]byte, error) {
	hdr, err := format.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	if dst, err = format.AppendBlock(dst, hdr); err != nil {
		return nil, err
	}
	return format.AppendBlock(dst, payload)
}

// encodeDefinition returns a V1.2 definition record.
func encodeDefinition(topic string, d schema.Descriptor) ([]byte, error) {
	return appendRecord(nil, format.Fields{
		fieldOp:    {opDefinition},
		fieldTopic: []byte(topic),
		fieldMD5:   []byte(d.MD5),
		fieldType:  []byte(d.Type),
		fieldDef:   []byte(d.Definition),
	}, nil)
}

// encodeData returns a V1.2 data record. payload is stored as given; c only
// labels it.
func encodeData(topic string, d schema.Descriptor, t schema.Time, c Compression, payload []byte) ([]byte, error) {
	fields := format.Fields{
		fieldOp:    {opData},
		fieldTopic: []byte(topic),
		fieldMD5:   []byte(d.MD5),
		fieldType:  []byte(d.Type),
		fieldSec:   format.Uint32Value(t.Sec),
		fieldNsec:  format.Uint32Value(t.Nsec),
	}
	if c != CompressionNone && c != "" {
		fields[fieldCompression] = []byte(c)
	}
	return appendRecord(nil, fields, payload)
}

// encodeV11 returns a V1.1 record.
func encodeV11(topic string, d schema.Descriptor, t schema.Time, payload []byte) ([]byte, error) {
	for _, s := range []string{topic, d.MD5, d.Type} {
		if strings.IndexByte(s, '\n') >= 0 {
			return nil, fmt.Errorf("V1.1 record header contains newline: %q", s)
		}
	}
	if int64(len(payload)) > 1<<32-1 {
		return nil, format.ErrBlockTooLarge
	}
	buf := make([]byte, 0, len(topic)+len(d.MD5)+len(d.Type)+3+v11Header+len(payload))
	buf = append(buf, topic...)
	buf = append(buf, '\n')
	buf = append(buf, d.MD5...)
	buf = append(buf, '\n')
	buf = append(buf, d.Type...)
	buf = append(buf, '\n')
	buf = binary.LittleEndian.AppendUint32(buf, t.Sec)
	buf = binary.LittleEndian.AppendUint32(buf, t.Nsec)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}
