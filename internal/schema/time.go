package schema

import (
	"fmt"
	"time"
)

// Time is a recorded timestamp: unsigned seconds and nanoseconds since the
// Unix epoch, as carried on the wire.
type Time struct {
	Sec  uint32
	Nsec uint32
}

// NewTime converts a time.Time, normalizing nanoseconds.
func NewTime(t time.Time) Time {
	ns := t.UnixNano()
	return Time{Sec: uint32(ns / 1e9), Nsec: uint32(ns % 1e9)}
}

// Std returns the time as a time.Time in UTC.
func (t Time) Std() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nsec)).UTC()
}

// Nanos returns the time in nanoseconds.
func (t Time) Nanos() int64 {
	return int64(t.Sec)*1e9 + int64(t.Nsec)
}

// Compare returns -1, 0 or +1.
func (t Time) Compare(o Time) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Nsec < o.Nsec:
		return -1
	case t.Nsec > o.Nsec:
		return 1
	}
	return 0
}

// Before reports whether t is strictly earlier than o.
func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is (0, 0).
func (t Time) IsZero() bool { return t.Sec == 0 && t.Nsec == 0 }

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}

// Duration is a signed span with separate seconds and nanoseconds.
type Duration struct {
	Sec  int32
	Nsec int32
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d.Sec)*time.Second + time.Duration(d.Nsec)
}

func (d Duration) String() string {
	return d.Std().String()
}
