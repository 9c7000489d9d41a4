package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"rosbag/internal/home"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "zstd", cfg: Config{Compression: "zstd"}},
		{name: "bad compression", cfg: Config{Compression: "lz4"}, wantErr: true},
		{name: "levels", cfg: Config{LogLevels: map[string]string{"migrate": "DEBUG", "bag-reader": "warn"}}},
		{name: "bad level", cfg: Config{LogLevels: map[string]string{"migrate": "loud"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	d := home.New("/h")
	got := Config{}.Resolve(d)
	if len(got.MsgPath) != 1 || got.MsgPath[0] != filepath.Join("/h", "msg") {
		t.Errorf("MsgPath = %v", got.MsgPath)
	}
	if len(got.RulePaths) != 1 || got.RulePaths[0] != filepath.Join("/h", "rules") {
		t.Errorf("RulePaths = %v", got.RulePaths)
	}

	set := Config{MsgPath: []string{"/a"}, RulePaths: []string{"/b"}}.Resolve(d)
	if set.MsgPath[0] != "/a" || set.RulePaths[0] != "/b" {
		t.Errorf("explicit paths replaced: %+v", set)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"debug": slog.LevelDebug, " Info ": slog.LevelInfo, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
