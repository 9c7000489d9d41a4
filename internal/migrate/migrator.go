package migrate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"rosbag/internal/bag"
	"rosbag/internal/logging"
	"rosbag/internal/metrics"
	"rosbag/internal/schema"
)

// Migrator plans and runs migrations against one registry and rule set.
type Migrator struct {
	registry *schema.Registry
	rules    *ruleSet
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Migrator) { m.metrics = mt }
}

// New returns a Migrator. The old and new specs of every rule are added to
// the registry so records with those hashes can be decoded without
// definition text.
func New(registry *schema.Registry, rules []*Rule, opts ...Option) (*Migrator, error) {
	rs, err := newRuleSet(rules)
	if err != nil {
		return nil, err
	}
	m := &Migrator{registry: registry, rules: rs}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Default(m.logger).With("component", "migrate")
	for _, r := range rules {
		registry.Codec(r.Old)
		registry.Codec(r.New)
	}
	return m, nil
}

// Report is the outcome of planning a bag.
type Report struct {
	Plans    []Plan
	Failures []Failure
}

// Pending returns the plans that need at least one rule.
func (r *Report) Pending() []Plan {
	var out []Plan
	for _, p := range r.Plans {
		if len(p.Chain) > 0 {
			out = append(out, p)
		}
	}
	return out
}

type observed struct {
	typ    string
	md5    string
	def    string
	offset int64
	count  int
	err    error
}

// Check scans the bag at path and plans every (type, hash) pair in it.
func (m *Migrator) Check(ctx context.Context, path string) (*Report, error) {
	seen, err := m.scan(ctx, path)
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	for _, o := range seen {
		if o.err != nil {
			rep.Failures = append(rep.Failures, Failure{Type: o.typ, MD5: o.md5, Offset: o.offset, Err: o.err})
			continue
		}
		var spec *schema.Spec
		if o.def != "" {
			if c, err := m.registry.Define(o.typ, o.md5, o.def); err == nil {
				spec = c.Spec
			}
		}
		chain, f := m.plan(o.typ, o.md5, spec)
		if f != nil {
			f.Offset = o.offset
			rep.Failures = append(rep.Failures, *f)
			continue
		}
		p := Plan{Type: o.typ, MD5: o.md5, Chain: chain, Offset: o.offset, Count: o.count}
		if cur, err := m.registry.Current(o.typ); err == nil {
			p.Target = cur.MD5
		}
		rep.Plans = append(rep.Plans, p)
	}
	m.logger.Debug("migration planned", "path", path,
		"types", len(seen), "pending", len(rep.Pending()), "failures", len(rep.Failures))
	return rep, nil
}

// scan collects the distinct hashes of a bag in order of first appearance.
func (m *Migrator) scan(ctx context.Context, path string) ([]*observed, error) {
	r, err := bag.Open(path, bag.WithMode(bag.ModeHeaders), bag.WithLogger(m.logger), bag.WithMetrics(m.metrics))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	byMD5 := map[string]*observed{}
	for msg, err := range r.All() {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		var se *bag.SchemaError
		if errors.As(err, &se) {
			if _, ok := byMD5[se.MD5]; !ok {
				byMD5[se.MD5] = &observed{typ: se.Type, md5: se.MD5, offset: se.Offset, err: se.Err}
			}
			byMD5[se.MD5].count++
			continue
		}
		if err != nil {
			return nil, err
		}
		o, ok := byMD5[msg.Desc.MD5]
		if !ok {
			o = &observed{typ: msg.Desc.Type, md5: msg.Desc.MD5, def: msg.Desc.Definition, offset: msg.Pos}
			byMD5[msg.Desc.MD5] = o
		}
		o.count++
	}
	return slices.SortedFunc(maps.Values(byMD5), func(a, b *observed) int {
		return cmp.Compare(a.offset, b.offset)
	}), nil
}

// Result summarizes a completed migration.
type Result struct {
	Copied   int
	Migrated int
	Report   *Report
}

// Fix writes the migrated form of the bag at src to dst. If any recorded
// type has no migration path nothing is written and the error is a
// *GapError. dst is replaced atomically, so it may equal src. opts
// configure the output Writer.
func (m *Migrator) Fix(ctx context.Context, src, dst string, opts ...bag.Option) (*Result, error) {
	rep, err := m.Check(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(rep.Failures) > 0 {
		return &Result{Report: rep}, &GapError{Failures: rep.Failures}
	}
	plans := make(map[string]*Plan, len(rep.Plans))
	for i := range rep.Plans {
		plans[rep.Plans[i].MD5] = &rep.Plans[i]
	}

	res := &Result{Report: rep}
	fill := func(ctx context.Context, w *bag.Writer) error {
		r, err := bag.Open(src, bag.WithMode(bag.ModeRaw), bag.WithRegistry(m.registry),
			bag.WithLogger(m.logger), bag.WithMetrics(m.metrics))
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		for msg, err := range r.All() {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			p, ok := plans[msg.Desc.MD5]
			if !ok {
				return fmt.Errorf("offset %d: hash %s of %s was not planned", msg.Pos, msg.Desc.MD5, msg.Desc.Type)
			}
			if len(p.Chain) == 0 {
				if err := w.Write(msg.Topic, msg.Time, msg.Data); err != nil {
					return err
				}
				res.Copied++
				continue
			}
			out, err := migrateRecord(p, msg)
			if err != nil {
				return err
			}
			if err := w.Write(msg.Topic, msg.Time, bag.Decoded{Msg: out}); err != nil {
				return err
			}
			m.metrics.Migrated(p.Type)
			res.Migrated++
		}
		return nil
	}

	if err := bag.Rewrite(ctx, dst, fill, append([]bag.Option{bag.WithLogger(m.logger), bag.WithMetrics(m.metrics)}, opts...)...); err != nil {
		return nil, err
	}
	m.logger.Info("bag migrated", "src", src, "dst", dst, "copied", res.Copied, "migrated", res.Migrated)
	return res, nil
}

func migrateRecord(p *Plan, msg *bag.Message) (*schema.Message, error) {
	raw, ok := msg.Data.(bag.Raw)
	if !ok {
		return nil, fmt.Errorf("offset %d: expected raw payload", msg.Pos)
	}
	cur, err := schema.Decode(p.Chain[0].Old, raw.Data)
	if err != nil {
		return nil, &bag.SchemaError{Type: p.Type, MD5: p.MD5, Topic: msg.Topic, Offset: msg.Pos, Err: err}
	}
	for _, r := range p.Chain {
		if cur, err = r.Apply(cur); err != nil {
			return nil, fmt.Errorf("offset %d: %w", msg.Pos, err)
		}
	}
	return cur, nil
}
