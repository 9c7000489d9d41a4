package logging

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	if Default(nil).Enabled(context.Background(), slog.LevelError) {
		t.Error("Default(nil) logs")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if Default(l) != l {
		t.Error("Default replaced a provided logger")
	}
}

// sink collects the msg of every emitted record as "component:msg".
type sink struct {
	buf bytes.Buffer
}

func (s *sink) handler() slog.Handler {
	return slog.NewTextHandler(&s.buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	})
}

func (s *sink) lines() []string {
	var out []string
	for line := range strings.Lines(s.buf.String()) {
		var comp, msg string
		for _, field := range strings.Fields(line) {
			if v, ok := strings.CutPrefix(field, "component="); ok {
				comp = v
			}
			if v, ok := strings.CutPrefix(field, "msg="); ok {
				msg = v
			}
		}
		out = append(out, comp+":"+msg)
	}
	return out
}

// TestComponentLevels mirrors how the CLI configures logging: -v lowers
// the default to debug, and the config's log_levels override single
// components on top of that.
func TestComponentLevels(t *testing.T) {
	tests := []struct {
		name      string
		verbose   bool
		overrides map[string]slog.Level
		want      []string
	}{
		{
			name: "quiet",
			want: []string{"bag-reader:info", "schema-registry:info", "migrate:info", "migrate:warn"},
		},
		{
			name:    "verbose",
			verbose: true,
			want: []string{
				"bag-reader:debug", "bag-reader:info",
				"schema-registry:debug", "schema-registry:info",
				"migrate:debug", "migrate:info", "migrate:warn",
			},
		},
		{
			name:      "one component raised",
			overrides: map[string]slog.Level{"schema-registry": slog.LevelDebug},
			want: []string{
				"bag-reader:info",
				"schema-registry:debug", "schema-registry:info",
				"migrate:info", "migrate:warn",
			},
		},
		{
			name:      "override beats verbose",
			verbose:   true,
			overrides: map[string]slog.Level{"bag-reader": slog.LevelWarn, "migrate": slog.LevelWarn},
			want:      []string{"schema-registry:debug", "schema-registry:info", "migrate:warn"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s sink
			levels := NewComponentFilterHandler(s.handler(), slog.LevelInfo)
			root := slog.New(levels)

			// Components scope their loggers at construction, before the
			// levels are applied.
			reader := Default(root).With("component", "bag-reader")
			registry := Default(root).With("component", "schema-registry")
			mig := Default(root).With("component", "migrate")

			if tt.verbose {
				levels.SetDefaultLevel(slog.LevelDebug)
			}
			for comp, l := range tt.overrides {
				levels.SetLevel(comp, l)
			}

			reader.Debug("debug")
			reader.Info("info")
			registry.Debug("debug")
			registry.Info("info")
			mig.Debug("debug")
			mig.Info("info")
			mig.Warn("warn")

			if got := s.lines(); !slices.Equal(got, tt.want) {
				t.Errorf("emitted %v\nwant %v", got, tt.want)
			}
		})
	}
}

func TestComponentOnRecord(t *testing.T) {
	var s sink
	levels := NewComponentFilterHandler(s.handler(), slog.LevelInfo)
	levels.SetLevel("cli", slog.LevelDebug)
	root := slog.New(levels)

	// The root handler has no component, so it must admit debug records
	// while any component is at debug, and filter by the record's own
	// attribute.
	if !root.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("root rejects debug with a debug component configured")
	}
	root.Debug("exec", "component", "cli")
	root.Debug("planned", "component", "migrate")
	root.Debug("no component")
	root.Info("loaded")

	want := []string{"cli:exec", ":loaded"}
	if got := s.lines(); !slices.Equal(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}

	levels.ClearLevel("cli")
	if root.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("root admits debug after the last debug override was cleared")
	}
	if got := levels.Level("cli"); got != slog.LevelInfo {
		t.Errorf("cli level after clear = %v", got)
	}
}

func TestScopedLoggerFollowsLevels(t *testing.T) {
	var s sink
	levels := NewComponentFilterHandler(s.handler(), slog.LevelInfo)
	loader := slog.New(levels).With("component", "index-loader").WithGroup("bag")

	loader.Debug("stale")
	levels.SetLevel("index-loader", slog.LevelDebug)
	loader.Debug("rebuilt")
	levels.SetDefaultLevel(slog.LevelError)
	loader.Debug("cached")
	levels.ClearLevel("index-loader")
	loader.Warn("unreadable")

	want := []string{"index-loader:rebuilt", "index-loader:cached"}
	if got := s.lines(); !slices.Equal(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}
	if got := levels.DefaultLevel(); got != slog.LevelError {
		t.Errorf("DefaultLevel = %v", got)
	}
}
