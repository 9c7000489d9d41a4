// Package file persists the config as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
//
// Saves write the whole file to a temporary name, verify that it parses,
// and rename it into place.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"rosbag/internal/config"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store reads and writes one config file.
type Store struct {
	path string
}

// NewStore returns a store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// Load reads and validates the config. A missing file yields an empty
// config.
func (s *Store) Load() (*config.Config, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &config.Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned config file %s", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return &config.Config{}, nil
	}
	if err := env.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return env.Config, nil
}

// Save validates cfg and atomically replaces the config file.
func (s *Store) Save(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(envelope{Version: currentVersion, Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify valid JSON.
	check, err := os.ReadFile(filepath.Clean(tmpPath))
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
