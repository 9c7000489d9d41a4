// Package logging provides utilities for structured logging across the system.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside per-record loops (decoding, scanning, index builds)
//   - Lifecycle boundaries are the intended log points
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler drops records below a per-component minimum level.
// The component is taken from the "component" attribute, either attached via
// With or passed on the record. Records without one use the default level.
//
// Level overrides are shared by every handler derived through WithAttrs or
// WithGroup, so SetLevel on the root takes effect for already-scoped loggers.
type ComponentFilterHandler struct {
	next      slog.Handler
	state     *filterState
	component string
}

type filterState struct {
	mu       sync.RWMutex
	def      slog.Level
	levels   map[string]slog.Level
	minLevel slog.Level
}

// NewComponentFilterHandler wraps next with a filter whose default minimum
// level is def.
func NewComponentFilterHandler(next slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:  next,
		state: &filterState{def: def, levels: make(map[string]slog.Level), minLevel: def},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[component] = level
	s.recompute()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.levels, component)
	s.recompute()
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	s := h.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.levels[component]; ok {
		return l
	}
	return s.def
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.def
}

// SetDefaultLevel changes the level used for components without an
// override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = level
	s.recompute()
}

// recompute caches the lowest configured level. Caller holds mu.
func (s *filterState) recompute() {
	s.minLevel = s.def
	for _, l := range s.levels {
		s.minLevel = min(s.minLevel, l)
	}
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	s := h.state
	s.mu.RLock()
	threshold := s.minLevel
	if h.component != "" {
		threshold = s.def
		if l, ok := s.levels[h.component]; ok {
			threshold = l
		}
	}
	s.mu.RUnlock()
	if level < threshold {
		return false
	}
	return h.next == nil || h.next.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) || h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := &ComponentFilterHandler{state: h.state, component: h.component}
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	for _, a := range attrs {
		if a.Key == "component" {
			c.component = a.Value.String()
		}
	}
	return c
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	c := &ComponentFilterHandler{state: h.state, component: h.component}
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return c
}
