package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"rosbag/internal/bag"
	"rosbag/internal/callgroup"
	"rosbag/internal/logging"
)

// Build indexes the remaining records of r. The reader is best opened in
// bag.ModeHeaders, which skips payloads. Records with schema errors are
// skipped. When a format error stops the scan, Build returns the partial
// index together with the error; its Complete field is false.
func Build(ctx context.Context, r *bag.Reader) (*Index, error) {
	idx := newIndex()
	idx.Version = r.Version().String()
	idx.Size = r.Size()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.Next()
		if errors.Is(err, bag.ErrNoMoreRecords) {
			idx.Complete = true
			return idx, nil
		}
		var se *bag.SchemaError
		if errors.As(err, &se) {
			continue
		}
		if err != nil {
			return idx, err
		}
		idx.add(m.Topic, m.Desc.Type, m.Desc.MD5, m.Time, m.Pos)
	}
}

// BuildFile indexes the bag at path and stamps the index with the file's
// size and modification time.
func BuildFile(ctx context.Context, path string, opts ...bag.Option) (*Index, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r, err := bag.Open(path, append(slices.Clip(opts), bag.WithMode(bag.ModeHeaders))...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	idx, err := Build(ctx, r)
	if idx != nil {
		idx.ModTime = fi.ModTime()
	}
	return idx, err
}

// Loader returns indexes for bag files, preferring a fresh side-car and
// building otherwise. Concurrent requests for the same path share one
// build.
type Loader struct {
	logger *slog.Logger
	opts   []bag.Option
	group  callgroup.Group[string, *Index]
}

// NewLoader returns a Loader. opts are passed to bag.Open.
func NewLoader(logger *slog.Logger, opts ...bag.Option) *Loader {
	return &Loader{
		logger: logging.Default(logger).With("component", "index-loader"),
		opts:   opts,
	}
}

// Get returns the index of the bag at path. The second result reports
// whether it came from the side-car.
func (l *Loader) Get(ctx context.Context, path string) (*Index, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if idx, err := Load(SidecarPath(path)); err == nil {
		if idx.Fresh(fi) {
			return idx, true, nil
		}
		l.logger.Debug("side-car index is stale", "bag", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("ignoring unreadable side-car index", "bag", path, "error", err)
	}

	idx, err, _ := l.group.Do(path, func() (*Index, error) {
		return BuildFile(ctx, path, l.opts...)
	})
	if err != nil {
		return idx, false, fmt.Errorf("index %s: %w", path, err)
	}
	return idx, false, nil
}
