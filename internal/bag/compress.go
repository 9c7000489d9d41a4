package bag

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how data record payloads are stored.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionZstd   Compression = "zstd"
	CompressionBrotli Compression = "brotli"
)

// ParseCompression accepts "", "none", "zstd" and "brotli".
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionBrotli:
		return Compression(s), nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// maxDecompressed bounds a single decompressed payload.
const maxDecompressed = 1 << 30

const brotliQuality = 5

// zstdDec is shared; zstd decoders are safe for concurrent DecodeAll.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecompressed))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic("zstd: init encoder: " + err.Error())
		}
		return enc
	},
}

func compressPayload(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionZstd:
		enc := zstdEncPool.Get().(*zstd.Encoder)
		defer zstdEncPool.Put(enc)
		return enc.EncodeAll(data, nil), nil
	case CompressionBrotli:
		var buf bytes.Buffer
		bw := brotli.NewWriterLevel(&buf, brotliQuality)
		if _, err := bw.Write(data); err != nil {
			return nil, err
		}
		if err := bw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}

func decompressPayload(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionZstd:
		return zstdDec.DecodeAll(data, nil)
	case CompressionBrotli:
		out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(data)), maxDecompressed+1))
		if err != nil {
			return nil, err
		}
		if len(out) > maxDecompressed {
			return nil, fmt.Errorf("brotli payload exceeds %d bytes", maxDecompressed)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}
