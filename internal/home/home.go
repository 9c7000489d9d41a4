// Package home manages the rosbag home directory layout.
//
// Layout:
//
//	<root>/
//	  config.json     (user settings)
//	  msg/            (default message definition search root)
//	  rules/          (default migration rule directory)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a rosbag home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/rosbag
//   - macOS:   ~/Library/Application Support/rosbag
//   - Windows: %APPDATA%/rosbag
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "rosbag")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config JSON file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// MsgDir returns the default root of installed message definitions.
func (d Dir) MsgDir() string {
	return filepath.Join(d.root, "msg")
}

// RulesDir returns the default directory of migration rule files.
func (d Dir) RulesDir() string {
	return filepath.Join(d.root, "rules")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
