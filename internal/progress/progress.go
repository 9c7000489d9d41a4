// Package progress draws a single-line progress meter for long bag
// rewrites.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

const (
	defaultWidth = 80
	refresh      = 100 * time.Millisecond
)

// Meter reports how far through total bytes an operation is. A nil *Meter
// discards updates.
type Meter struct {
	out   io.Writer
	label string
	total int64
	width int
	start time.Time
	now   func() time.Time
	every rate.Sometimes
	pos   int64
}

// New returns a meter drawing to out.
func New(out io.Writer, label string, total int64, width int) *Meter {
	if width <= 0 {
		width = defaultWidth
	}
	return &Meter{
		out:   out,
		label: label,
		total: total,
		width: width,
		start: time.Now(),
		now:   time.Now,
		every: rate.Sometimes{Interval: refresh},
	}
}

// Stderr returns a meter on standard error, or nil when quiet is set or
// standard error is not a terminal.
func Stderr(label string, total int64, quiet bool) *Meter {
	fd := int(os.Stderr.Fd())
	if quiet || !term.IsTerminal(fd) {
		return nil
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = defaultWidth
	}
	return New(os.Stderr, label, total, width)
}

// Update records the current position and redraws at most every refresh
// interval.
func (m *Meter) Update(pos int64) {
	if m == nil {
		return
	}
	m.pos = pos
	m.every.Do(m.draw)
}

// Finish draws the final state and ends the line.
func (m *Meter) Finish() {
	if m == nil {
		return
	}
	m.pos = m.total
	m.draw()
	_, _ = fmt.Fprintln(m.out)
}

func (m *Meter) draw() {
	_, _ = io.WriteString(m.out, "\r"+m.Line())
}

// Line renders the meter without drawing it.
func (m *Meter) Line() string {
	elapsed := m.now().Sub(m.start)
	frac := 1.0
	if m.total > 0 {
		frac = min(1, max(0, float64(m.pos)/float64(m.total)))
	}

	stats := fmt.Sprintf(" %3.0f%% %s/%s", frac*100,
		humanize.Bytes(uint64(max(m.pos, 0))), humanize.Bytes(uint64(max(m.total, 0))))
	if secs := elapsed.Seconds(); secs > 0 && m.pos > 0 {
		speed := float64(m.pos) / secs
		stats += fmt.Sprintf(" %s/s", humanize.Bytes(uint64(speed)))
		if frac < 1 {
			eta := time.Duration(float64(m.total-m.pos) / speed * float64(time.Second))
			stats += " ETA " + eta.Round(time.Second).String()
		}
	}

	bar := m.width - len(m.label) - len(stats) - 4
	if bar < 10 {
		return m.label + stats
	}
	filled := int(frac * float64(bar))
	return m.label + " |" + strings.Repeat("#", filled) + strings.Repeat(" ", bar-filled) + "|" + stats
}
