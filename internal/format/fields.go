package format

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
)

// Marker lines. Everything after the marker's newline is binary.
const (
	MarkerV11 = "#ROSRECORD V1.1"
	MarkerV12 = "#ROSRECORD V1.2"

	// maxMarkerLen bounds how far ReadMarker scans for the newline.
	maxMarkerLen = 64

	LenBytes = 4
)

var (
	ErrUnknownMarker   = errors.New("unknown version marker")
	ErrShortBlock      = errors.New("block length prefix truncated")
	ErrBlockOverrun    = errors.New("block length exceeds remaining bytes")
	ErrFieldTruncated  = errors.New("field entry truncated")
	ErrFieldNoSep      = errors.New("field entry missing '='")
	ErrFieldNameHasSep = errors.New("field name contains '='")
	ErrBlockTooLarge   = errors.New("block too large")
)

// ReadMarker reads the first line of a bag and returns it without the
// trailing newline along with the line's length in bytes. ReadMarker may read
// past the line; callers that keep reading r must seek to the returned offset.
func ReadMarker(r io.Reader) (string, int, error) {
	br := bufio.NewReaderSize(r, maxMarkerLen)
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) || errors.Is(err, io.EOF) {
			return "", 0, ErrUnknownMarker
		}
		return "", 0, err
	}
	n := len(line)
	marker := strings.TrimRight(string(line), "\r\n")
	switch marker {
	case MarkerV11, MarkerV12:
		return marker, n, nil
	default:
		return marker, n, fmt.Errorf("%w: %q", ErrUnknownMarker, marker)
	}
}

// Fields is a decoded header block. Later duplicates overwrite earlier ones.
type Fields map[string][]byte

// Has reports whether every name is present.
func (f Fields) Has(names ...string) (missing string, ok bool) {
	for _, n := range names {
		if _, present := f[n]; !present {
			return n, false
		}
	}
	return "", true
}

// String returns the value of name as a string.
func (f Fields) String(name string) string {
	return string(f[name])
}

// Uint32 returns the 4-byte little-endian value of name.
func (f Fields) Uint32(name string) (uint32, bool) {
	v, ok := f[name]
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

// Uint32Value encodes v as a 4-byte little-endian field value.
func Uint32Value(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// EncodeFields returns the field data of a header block (without the block's
// own length prefix). Entries are emitted sorted by name so output is
// reproducible.
func EncodeFields(f Fields) ([]byte, error) {
	names := make([]string, 0, len(f))
	for n := range f {
		if strings.IndexByte(n, '=') >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrFieldNameHasSep, n)
		}
		names = append(names, n)
	}
	slices.Sort(names)

	size := 0
	for _, n := range names {
		size += LenBytes + len(n) + 1 + len(f[n])
	}
	if size > math.MaxUint32 {
		return nil, ErrBlockTooLarge
	}

	buf := make([]byte, 0, size)
	for _, n := range names {
		entry := len(n) + 1 + len(f[n])
		buf = binary.LittleEndian.AppendUint32(buf, uint32(entry))
		buf = append(buf, n...)
		buf = append(buf, '=')
		buf = append(buf, f[n]...)
	}
	return buf, nil
}

// DecodeFields parses block field data into Fields.
func DecodeFields(data []byte) (Fields, error) {
	f := make(Fields)
	for len(data) > 0 {
		if len(data) < LenBytes {
			return nil, ErrFieldTruncated
		}
		size := binary.LittleEndian.Uint32(data[:LenBytes])
		data = data[LenBytes:]
		if uint64(size) > uint64(len(data)) {
			return nil, ErrFieldTruncated
		}
		entry := data[:size]
		data = data[size:]

		sep := bytes.IndexByte(entry, '=')
		if sep < 0 {
			return nil, ErrFieldNoSep
		}
		value := make([]byte, len(entry)-sep-1)
		copy(value, entry[sep+1:])
		f[string(entry[:sep])] = value
	}
	return f, nil
}

// AppendBlock appends a 32-bit little-endian length prefix and data to dst.
func AppendBlock(dst, data []byte) ([]byte, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return nil, ErrBlockTooLarge
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...), nil
}

// ReadBlock reads one length-prefixed block and returns it with the number
// of bytes consumed from r, which is accurate on error too. remaining, when
// non-negative, is the number of bytes left in the source and guards against
// absurd prefixes before allocating. When skip is set the data is discarded
// and nil returned. It returns io.EOF only when no byte of the prefix could
// be read.
func ReadBlock(r io.Reader, remaining int64, skip bool) ([]byte, int64, error) {
	var lenBuf [LenBytes]byte
	n, err := io.ReadFull(r, lenBuf[:])
	read := int64(n)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, read, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, read, ErrShortBlock
		}
		return nil, read, err
	}
	size := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if remaining >= 0 && size > remaining-LenBytes {
		return nil, read, ErrBlockOverrun
	}

	if skip {
		var d int64
		if dr, ok := r.(interface{ Discard(int) (int, error) }); ok {
			var dn int
			dn, err = dr.Discard(int(size))
			d = int64(dn)
		} else {
			d, err = io.CopyN(io.Discard, r, size)
		}
		read += d
		if err != nil {
			return nil, read, blockErr(err)
		}
		return nil, read, nil
	}
	data := make([]byte, size)
	n, err = io.ReadFull(r, data)
	read += int64(n)
	if err != nil {
		return nil, read, blockErr(err)
	}
	return data, read, nil
}

func blockErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrBlockOverrun
	}
	return err
}
