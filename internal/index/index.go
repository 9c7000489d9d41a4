// Package index maps each topic of a bag to its records' (time, offset)
// pairs so readers can seek by time without a full scan.
//
// An index is built by one pass over the bag and may be saved to a side-car
// file next to it. A loaded index is trusted as is: it records the bag's
// size and modification time, and Fresh lets callers decide whether it
// still describes the file.
package index

import (
	"cmp"
	"maps"
	"os"
	"slices"
	"sort"
	"time"

	"rosbag/internal/schema"
)

// Entry locates one data record.
type Entry struct {
	Time schema.Time `msgpack:"t"`
	// Pos is the offset of the record's first byte, suitable for
	// bag.Reader.SeekRecord.
	Pos int64 `msgpack:"p"`
}

// Topic holds the records of one topic in recorded order.
type Topic struct {
	Name string `msgpack:"name"`
	// Type and MD5 are those of the topic's first record.
	Type    string  `msgpack:"type"`
	MD5     string  `msgpack:"md5"`
	Entries []Entry `msgpack:"entries"`
}

// TypeStat counts the records of one (type, hash) pair.
type TypeStat struct {
	Type  string `msgpack:"type"`
	MD5   string `msgpack:"md5"`
	Count int    `msgpack:"count"`
}

// Index is the per-topic record index of one bag.
type Index struct {
	// Version is the bag's format version, e.g. "1.2".
	Version string `msgpack:"version"`
	// Size and ModTime describe the bag when the index was built.
	Size    int64     `msgpack:"size"`
	ModTime time.Time `msgpack:"mtime"`

	Start schema.Time `msgpack:"start"`
	End   schema.Time `msgpack:"end"`
	Count int         `msgpack:"count"`

	Topics map[string]*Topic    `msgpack:"topics"`
	Types  map[string]*TypeStat `msgpack:"types"`

	// Complete is false when the build stopped at a corrupt record.
	Complete bool `msgpack:"-"`
}

func newIndex() *Index {
	return &Index{
		Topics: make(map[string]*Topic),
		Types:  make(map[string]*TypeStat),
	}
}

func (idx *Index) add(topic, typ, md5 string, t schema.Time, pos int64) {
	tp, ok := idx.Topics[topic]
	if !ok {
		tp = &Topic{Name: topic, Type: typ, MD5: md5}
		idx.Topics[topic] = tp
	}
	tp.Entries = append(tp.Entries, Entry{Time: t, Pos: pos})

	ts, ok := idx.Types[md5]
	if !ok {
		ts = &TypeStat{Type: typ, MD5: md5}
		idx.Types[md5] = ts
	}
	ts.Count++

	if idx.Count == 0 || t.Before(idx.Start) {
		idx.Start = t
	}
	if idx.Count == 0 || idx.End.Before(t) {
		idx.End = t
	}
	idx.Count++
}

// Duration returns the span between the earliest and latest record.
func (idx *Index) Duration() time.Duration {
	return time.Duration(idx.End.Nanos() - idx.Start.Nanos())
}

// TopicNames returns the topics in sorted order.
func (idx *Index) TopicNames() []string {
	return slices.Sorted(maps.Keys(idx.Topics))
}

// Entries returns the entries of topic, or nil.
func (idx *Index) Entries(topic string) []Entry {
	if tp, ok := idx.Topics[topic]; ok {
		return tp.Entries
	}
	return nil
}

// FindAtOrAfter returns the position within topic's entries of the first
// record at or after t. It returns false when the topic is unknown or every
// record is earlier than t. Entries of one topic are assumed to be in
// non-decreasing time order.
func (idx *Index) FindAtOrAfter(topic string, t schema.Time) (int, bool) {
	entries := idx.Entries(topic)
	i := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Time.Before(t)
	})
	if i == len(entries) {
		return 0, false
	}
	return i, true
}

// Range returns the entries of topic with start <= time <= end.
func (idx *Index) Range(topic string, start, end schema.Time) []Entry {
	i, ok := idx.FindAtOrAfter(topic, start)
	if !ok {
		return nil
	}
	entries := idx.Entries(topic)
	j := i
	for j < len(entries) && !end.Before(entries[j].Time) {
		j++
	}
	return entries[i:j]
}

// Window returns the entries of every topic with start <= time <= end, in
// file order.
func (idx *Index) Window(start, end schema.Time) []Entry {
	var out []Entry
	for _, name := range idx.TopicNames() {
		out = append(out, idx.Range(name, start, end)...)
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Pos, b.Pos) })
	return out
}

// Merged returns the entries of every topic ordered by time. Records with
// equal times keep file order.
func (idx *Index) Merged() []Entry {
	out := make([]Entry, 0, idx.Count)
	for _, tp := range idx.Topics {
		out = append(out, tp.Entries...)
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		switch {
		case a.Pos < b.Pos:
			return -1
		case a.Pos > b.Pos:
			return 1
		}
		return 0
	})
	return out
}

// Fresh reports whether fi still matches the bag the index was built from.
func (idx *Index) Fresh(fi os.FileInfo) bool {
	return fi.Size() == idx.Size && fi.ModTime().Equal(idx.ModTime)
}
