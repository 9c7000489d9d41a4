package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"rosbag/internal/format"
)

// Side-car layout:
//
//	format header (4 bytes: 'i', 'x', version, flags)
//	msgpack body
//	xxhash64 of the body (8 bytes, little-endian)
const (
	sidecarVersion = 1
	checksumSize   = 8
)

var ErrChecksum = errors.New("index checksum mismatch")

// SidecarPath returns the side-car path of a bag.
func SidecarPath(bagPath string) string {
	return bagPath + ".index"
}

// Save writes idx to path, replacing any existing file atomically.
func (idx *Index) Save(path string) error {
	body, err := msgpack.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	h := format.Header{Type: format.TypeBagIndex, Version: sidecarVersion}
	if idx.Complete {
		h.Flags |= format.FlagComplete
	}
	hdr := h.Encode()

	buf := make([]byte, 0, format.HeaderSize+len(body)+checksumSize)
	buf = append(buf, hdr[:]...)
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(body))

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := writeSynced(tmpPath, buf); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace index: %w", err)
	}
	return syncDir(dir)
}

// writeSynced writes data to a new file at path and fsyncs it.
func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	f, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

// Load reads a side-car written by Save.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	h, err := format.DecodeAndValidate(data, format.TypeBagIndex, sidecarVersion)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	if len(data) < format.HeaderSize+checksumSize {
		return nil, fmt.Errorf("index %s: %w", path, format.ErrHeaderTooSmall)
	}
	body := data[format.HeaderSize : len(data)-checksumSize]
	sum := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("index %s: %w", path, ErrChecksum)
	}

	idx := newIndex()
	if err := msgpack.Unmarshal(body, idx); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	idx.Complete = h.Flags&format.FlagComplete != 0
	return idx, nil
}
