// Package config describes the persistent settings of the rosbag tools.
//
// Settings are defaults: command-line flags override them. A missing
// config file means every setting has its zero value, and Resolve fills in
// the home directory defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"rosbag/internal/bag"
	"rosbag/internal/home"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config holds user settings.
type Config struct {
	// MsgPath lists roots searched for <pkg>/msg/<Type>.msg definitions.
	MsgPath []string `json:"msg_path,omitempty"`
	// RulePaths lists migration rule files and directories.
	RulePaths []string `json:"rule_paths,omitempty"`
	// Compression is the default payload compression of rewritten bags.
	Compression string `json:"compression,omitempty"`
	// RecordCommand and PlayCommand are the external programs `record`
	// and `play` run; arguments are appended.
	RecordCommand []string `json:"record_command,omitempty"`
	PlayCommand   []string `json:"play_command,omitempty"`
	// LogLevels sets per-component log levels, e.g. {"migrate": "debug"}.
	LogLevels map[string]string `json:"log_levels,omitempty"`
}

// Validate checks settings that are not free-form.
func (c *Config) Validate() error {
	if _, err := bag.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for comp, lvl := range c.LogLevels {
		if _, err := ParseLevel(lvl); err != nil {
			return fmt.Errorf("%w: log level of %s: %w", ErrInvalid, comp, err)
		}
	}
	return nil
}

// Resolve returns a copy of c with empty search paths defaulted to the
// home directory's msg and rules directories.
func (c Config) Resolve(d home.Dir) Config {
	if len(c.MsgPath) == 0 {
		c.MsgPath = []string{d.MsgDir()}
	}
	if len(c.RulePaths) == 0 {
		c.RulePaths = []string{d.RulesDir()}
	}
	return c
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
