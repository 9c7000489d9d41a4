package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"rosbag/internal/callgroup"
	"rosbag/internal/logging"
	"rosbag/internal/metrics"
)

// Descriptor identifies a message type: name, content hash and the full
// definition text needed to rebuild a decoder.
type Descriptor struct {
	Type       string
	MD5        string
	Definition string
}

// Codec decodes and encodes payloads of one wire layout.
type Codec struct {
	// Desc is the descriptor the codec was registered under. Its MD5 is the
	// hash records carry, which may differ from Spec.MD5 for legacy hashes and
	// for definitions whose declared hash does not match their text.
	Desc Descriptor
	Spec *Spec
}

// Decode deserializes a payload.
func (c *Codec) Decode(data []byte) (*Message, error) {
	return Decode(c.Spec, data)
}

// Encode serializes m, which must have the codec's layout.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if m.Spec.MD5 != c.Spec.MD5 {
		return nil, fmt.Errorf("%w: %s [%s] for codec %s [%s]", ErrValueType, m.Spec.Type, m.Spec.MD5, c.Desc.Type, c.Desc.MD5)
	}
	return Encode(m)
}

// LegacyEquivalence names a historical hash of a type that is accepted as
// the current hash. The wire layouts are identical; only the hash text
// changed.
type LegacyEquivalence struct {
	Old string
	New string
}

// LegacyHashes is the equivalence table consulted when a recorded hash does
// not match the installed type. It is deliberately explicit: no other
// mismatch is tolerated.
var LegacyHashes = map[string]LegacyEquivalence{
	HeaderType: {Old: "96d385082008a8230a243de0e0f87244", New: "2176decaecbce78abc3b96ef049fabed"},
}

// Registry resolves (type, hash) pairs to codecs and caches them by hash.
// It is safe for concurrent use.
type Registry struct {
	catalog Catalog
	legacy  map[string]LegacyEquivalence
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	codecs map[string]*Codec
	calls  callgroup.Group[string, *Codec]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithLegacy replaces the legacy hash table.
func WithLegacy(table map[string]LegacyEquivalence) RegistryOption {
	return func(r *Registry) { r.legacy = table }
}

// NewRegistry returns a registry backed by catalog, which may be nil when
// only self-describing bags are read.
func NewRegistry(catalog Catalog, opts ...RegistryOption) *Registry {
	r := &Registry{
		catalog: catalog,
		legacy:  LegacyHashes,
		codecs:  make(map[string]*Codec),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Default(r.logger).With("component", "schema-registry")
	return r
}

// Cached returns the codec cached under md5, if any.
func (r *Registry) Cached(md5 string) (*Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[md5]
	return c, ok
}

func (r *Registry) store(md5 string, c *Codec) {
	r.mu.Lock()
	r.codecs[md5] = c
	r.mu.Unlock()
}

// Resolve returns the codec for a recorded (type, hash) pair without
// definition text: from the cache, or from the catalog when the installed
// type has that hash or a legacy equivalent of it.
func (r *Registry) Resolve(typeName, md5 string) (*Codec, error) {
	if c, ok := r.Cached(md5); ok {
		r.metrics.CacheLookup("hit")
		return c, nil
	}
	spec, err := r.Current(typeName)
	if err != nil {
		return nil, err
	}

	if spec.MD5 == md5 {
		c := &Codec{Desc: spec.Descriptor(), Spec: spec}
		r.store(md5, c)
		r.metrics.CacheLookup("catalog")
		return c, nil
	}
	if eq, ok := r.legacy[typeName]; ok && eq.Old == md5 && eq.New == spec.MD5 {
		r.logger.Info("accepting legacy hash", "type", typeName, "recorded", md5, "current", spec.MD5)
		c := &Codec{Desc: spec.Descriptor(), Spec: spec}
		r.store(md5, c)
		r.metrics.CacheLookup("legacy")
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s recorded as [%s], installed as [%s]", ErrHashMismatch, typeName, md5, spec.MD5)
}

// Synthesize builds a codec from full definition text and caches it under
// the declared hash. When the text hashes differently the declared hash
// still wins and a warning is logged.
func (r *Registry) Synthesize(typeName, md5, definition string) (*Codec, error) {
	var fallback Resolver
	if r.catalog != nil {
		fallback = r.catalog.Lookup
	}
	spec, err := ParseFull(typeName, definition, fallback)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			return nil, fmt.Errorf("%w: %w", ErrUnresolvable, err)
		}
		return nil, err
	}
	if spec.MD5 != md5 {
		r.logger.Warn("definition hash mismatch, using declared hash",
			"type", typeName, "declared", md5, "computed", spec.MD5)
	}
	c := &Codec{
		Desc: Descriptor{Type: typeName, MD5: md5, Definition: definition},
		Spec: spec,
	}
	r.store(md5, c)
	r.metrics.CacheLookup("synthesized")
	return c, nil
}

// Define returns the cached codec for md5 or synthesizes one. Concurrent
// calls for the same hash share one synthesis.
func (r *Registry) Define(typeName, md5, definition string) (*Codec, error) {
	if c, ok := r.Cached(md5); ok {
		r.metrics.CacheLookup("hit")
		return c, nil
	}
	c, err, _ := r.calls.Do(md5, func() (*Codec, error) {
		return r.Synthesize(typeName, md5, definition)
	})
	return c, err
}

// Current returns the installed spec of typeName.
func (r *Registry) Current(typeName string) (*Spec, error) {
	if r.catalog == nil {
		return nil, fmt.Errorf("%w: %s: no message catalog", ErrUnresolvable, typeName)
	}
	spec, err := r.catalog.Lookup(typeName)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			return nil, fmt.Errorf("%w: %w", ErrUnresolvable, err)
		}
		return nil, err
	}
	return spec, nil
}

// IsCurrent reports whether md5 is the installed hash of typeName or a
// legacy equivalent of it.
func (r *Registry) IsCurrent(typeName, md5 string) (bool, error) {
	spec, err := r.Current(typeName)
	if err != nil {
		return false, err
	}
	if spec.MD5 == md5 {
		return true, nil
	}
	eq, ok := r.legacy[typeName]
	return ok && eq.Old == md5 && eq.New == spec.MD5, nil
}

// Codec returns a codec for an installed spec, caching it by hash.
func (r *Registry) Codec(spec *Spec) *Codec {
	if c, ok := r.Cached(spec.MD5); ok && c.Spec.MD5 == spec.MD5 {
		return c
	}
	c := &Codec{Desc: spec.Descriptor(), Spec: spec}
	r.store(spec.MD5, c)
	return c
}
