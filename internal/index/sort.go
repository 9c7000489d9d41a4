package index

import (
	"context"
	"fmt"

	"rosbag/internal/bag"
)

// Sort copies the records of r to w in time order using idx, which must
// describe r's bag. Records with equal times keep file order. r should be
// in bag.ModeRaw so payloads are copied without re-encoding.
func Sort(ctx context.Context, idx *Index, r *bag.Reader, w *bag.Writer) (int, error) {
	n := 0
	for _, e := range idx.Merged() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := r.SeekRecord(e.Pos); err != nil {
			return n, err
		}
		m, err := r.Next()
		if err != nil {
			return n, fmt.Errorf("read record at %d: %w", e.Pos, err)
		}
		if err := w.Write(m.Topic, m.Time, m.Data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
