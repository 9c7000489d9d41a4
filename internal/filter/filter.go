// Package filter selects bag records with CEL expressions.
//
// Expressions see three variables: topic (string), m (the decoded message
// as a map of field names to values) and t (the record time as
// {"secs": int, "nsecs": int}). A record is kept when its topic matches one
// of the topic globs, if any, and the predicate evaluates to true.
package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"

	"rosbag/internal/bag"
	"rosbag/internal/expr"
	"rosbag/internal/logging"
	"rosbag/internal/schema"
)

// Filter is a compiled record predicate with an optional print expression.
type Filter struct {
	match  *expr.Program
	print  *expr.Program
	topics []string
	out    io.Writer
	logger *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter) error

// WithPrint evaluates src for every kept record and writes the result as a
// line to out.
func WithPrint(src string, out io.Writer) Option {
	return func(f *Filter) error {
		env, err := newEnv()
		if err != nil {
			return err
		}
		p, err := expr.Compile(env, src)
		if err != nil {
			return fmt.Errorf("print expression: %w", err)
		}
		f.print, f.out = p, out
		return nil
	}
}

// WithTopics restricts the filter to topics matching any of the globs.
func WithTopics(globs ...string) Option {
	return func(f *Filter) error {
		for _, g := range globs {
			if !doublestar.ValidatePattern(g) {
				return fmt.Errorf("invalid topic pattern %q", g)
			}
		}
		f.topics = append(f.topics, globs...)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) error {
		f.logger = l
		return nil
	}
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("m", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("t", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	return env, nil
}

// New compiles the predicate src. An empty predicate keeps every record.
func New(src string, opts ...Option) (*Filter, error) {
	f := &Filter{}
	if src != "" {
		env, err := newEnv()
		if err != nil {
			return nil, err
		}
		if f.match, err = expr.Compile(env, src); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	f.logger = logging.Default(f.logger).With("component", "filter")
	return f, nil
}

// Vars returns the expression variables of a record.
func Vars(topic string, t schema.Time, m *schema.Message) map[string]any {
	vars := map[string]any{
		"topic": topic,
		"t":     map[string]any{"secs": int64(t.Sec), "nsecs": int64(t.Nsec)},
		"m":     map[string]any{},
	}
	if m != nil {
		vars["m"] = schema.ToMap(m)
	}
	return vars
}

// TopicMatch reports whether topic passes the topic globs.
func (f *Filter) TopicMatch(topic string) bool {
	if len(f.topics) == 0 {
		return true
	}
	for _, g := range f.topics {
		if ok, _ := doublestar.Match(g, topic); ok {
			return true
		}
	}
	return false
}

// Match evaluates the filter on one record and prints it when kept.
func (f *Filter) Match(topic string, t schema.Time, m *schema.Message) (bool, error) {
	if !f.TopicMatch(topic) {
		return false, nil
	}
	if f.match == nil && f.print == nil {
		return true, nil
	}
	vars := Vars(topic, t, m)
	if f.match != nil {
		ok, err := f.match.Bool(vars)
		if err != nil || !ok {
			return false, err
		}
	}
	if f.print != nil {
		v, err := f.print.Eval(vars)
		if err != nil {
			return false, err
		}
		if _, err := fmt.Fprintln(f.out, v); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Stats counts the records a filter run saw.
type Stats struct {
	Read    int
	Kept    int
	Skipped int
}

// Run copies the records of r that pass the filter to w without
// re-encoding them. r must be in bag.ModeRaw. Records whose schema cannot
// be resolved are skipped and counted.
func (f *Filter) Run(ctx context.Context, r *bag.Reader, w *bag.Writer) (Stats, error) {
	var st Stats
	if r.Mode() != bag.ModeRaw {
		return st, errors.New("filter: reader must be in raw mode")
	}
	for msg, err := range r.All() {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := f.step(r, w, msg, err, &st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// RunAt is Run over only the records starting at positions, typically an
// index window.
func (f *Filter) RunAt(ctx context.Context, r *bag.Reader, w *bag.Writer, positions []int64) (Stats, error) {
	var st Stats
	if r.Mode() != bag.ModeRaw {
		return st, errors.New("filter: reader must be in raw mode")
	}
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := r.SeekRecord(pos); err != nil {
			return st, err
		}
		msg, err := r.Next()
		if err := f.step(r, w, msg, err, &st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// step handles one read result, copying msg to w when it passes.
func (f *Filter) step(r *bag.Reader, w *bag.Writer, msg *bag.Message, err error, st *Stats) error {
	var se *bag.SchemaError
	if errors.As(err, &se) {
		st.Skipped++
		f.logger.Warn("skipping record", "offset", se.Offset, "type", se.Type, "error", se.Err)
		return nil
	}
	if err != nil {
		return err
	}
	st.Read++
	if !f.TopicMatch(msg.Topic) {
		return nil
	}
	decoded, err := f.decode(r.Registry(), msg)
	if errors.As(err, &se) {
		st.Skipped++
		f.logger.Warn("skipping undecodable record", "offset", se.Offset, "type", se.Type, "error", se.Err)
		return nil
	}
	if err != nil {
		return err
	}
	ok, err := f.Match(msg.Topic, msg.Time, decoded)
	if err != nil {
		return fmt.Errorf("offset %d: %w", msg.Pos, err)
	}
	if !ok {
		return nil
	}
	if err := w.Write(msg.Topic, msg.Time, msg.Data); err != nil {
		return err
	}
	st.Kept++
	return nil
}

func (f *Filter) decode(reg *schema.Registry, msg *bag.Message) (*schema.Message, error) {
	if f.match == nil && f.print == nil {
		return nil, nil
	}
	raw, ok := msg.Data.(bag.Raw)
	if !ok {
		return nil, fmt.Errorf("offset %d: expected raw payload", msg.Pos)
	}
	c, ok := reg.Cached(msg.Desc.MD5)
	if !ok {
		return nil, fmt.Errorf("offset %d: no codec for %s [%s]", msg.Pos, raw.Desc.Type, raw.Desc.MD5)
	}
	m, err := c.Decode(raw.Data)
	if err != nil {
		return nil, &bag.SchemaError{Type: raw.Desc.Type, MD5: raw.Desc.MD5, Topic: msg.Topic, Offset: msg.Pos, Err: err}
	}
	return m, nil
}
