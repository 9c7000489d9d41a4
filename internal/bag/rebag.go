package bag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Rewrite produces dst through fill, which writes records to a Writer on a
// temporary file in dst's directory. The temporary file replaces dst only
// when fill succeeds and ctx is not done; otherwise it is removed and dst is
// untouched.
func Rewrite(ctx context.Context, dst string, fill func(context.Context, *Writer) error, opts ...Option) error {
	dir := filepath.Dir(dst)
	tmpPath := filepath.Join(dir, "."+filepath.Base(dst)+"."+uuid.NewString()+".tmp")
	w, err := Create(tmpPath, opts...)
	if err != nil {
		return fmt.Errorf("create temp bag: %w", err)
	}
	cleanup := func() {
		_ = w.Close()
		_ = os.Remove(tmpPath)
	}

	if err := fill(ctx, w); err != nil {
		cleanup()
		return err
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp bag: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	_ = syncDir(dir)
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}

// BackupPath returns the backup name of a bag: NAME.orig.EXT for NAME.EXT.
func BackupPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".orig" + ext
}

// RewriteInPlace moves path to its backup, then writes a new bag at path
// from the backup through fill. When fill fails or ctx is done, the new file
// is removed and the backup moved back, so path holds either the original
// or the complete new bag. The backup is kept after success. An existing
// backup is an error unless force is set.
func RewriteInPlace(ctx context.Context, path string, force bool, fill func(ctx context.Context, src string, w *Writer) error, opts ...Option) error {
	backup := BackupPath(path)
	if _, err := os.Stat(backup); err == nil {
		if !force {
			return fmt.Errorf("%w: %s", ErrBackupExists, backup)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("back up %s: %w", path, err)
	}
	restore := func(cause error) error {
		_ = os.Remove(path)
		if err := os.Rename(backup, path); err != nil {
			return errors.Join(cause, fmt.Errorf("restore %s from %s: %w", path, backup, err))
		}
		return cause
	}

	w, err := Create(path, opts...)
	if err != nil {
		return restore(err)
	}
	if err := fill(ctx, backup, w); err != nil {
		_ = w.Close()
		return restore(err)
	}
	if err := ctx.Err(); err != nil {
		_ = w.Close()
		return restore(err)
	}
	if err := w.Close(); err != nil {
		return restore(err)
	}
	return nil
}

// Copy writes every remaining record of r to w as it was read, stopping at
// the first error. keep, when non-nil, selects records. r must not be in
// ModeHeaders. Context cancellation is checked between records.
func Copy(ctx context.Context, r *Reader, w *Writer, keep func(*Message) (bool, error)) (int, error) {
	if r.Mode() == ModeHeaders {
		return 0, errors.New("copy: reader in headers mode")
	}
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		m, err := r.Next()
		if errors.Is(err, ErrNoMoreRecords) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if keep != nil {
			ok, err := keep(m)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
		}
		if err := w.Write(m.Topic, m.Time, m.Data); err != nil {
			return n, err
		}
		n++
	}
}
