// Package config handles YAML config file loading for filedriver serve.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/filedriver/driver"
	"github.com/pithecene-io/filedriver/fsexec"
	"github.com/pithecene-io/filedriver/log"
)

// DefaultLogLevel is used when neither the file nor a flag sets a level.
const DefaultLogLevel = "info"

// Config represents a filedriver.yaml configuration file.
// All values are optional and act as defaults for serve flags.
// CLI flags always override config values.
type Config struct {
	// Root confines all paths to a directory. Empty means the host filesystem.
	Root       string           `yaml:"root"`
	ReadOnly   bool             `yaml:"read_only"`
	LogLevel   string           `yaml:"log_level"`
	InstanceID string           `yaml:"instance_id"`
	// FileMode and DirMode are octal permission bits for created files and
	// directories, e.g. "0640".
	FileMode   FileMode         `yaml:"file_mode,omitempty"`
	DirMode    FileMode         `yaml:"dir_mode,omitempty"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// SupervisorConfig holds restart settings.
type SupervisorConfig struct {
	// MaxRestarts is a pointer so that 0 (never restart) is distinct from unset.
	MaxRestarts *int `yaml:"max_restarts,omitempty"`
	// Backoff is the first restart delay; zero selects the default.
	Backoff Duration `yaml:"backoff,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "500ms", "2s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "500ms" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// FileMode wraps os.FileMode for octal YAML strings like "0644" or "0o755".
// Zero selects the default.
type FileMode struct {
	os.FileMode
}

// UnmarshalYAML parses an octal permission string.
func (m *FileMode) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := ParseFileMode(s)
	if err != nil {
		return err
	}
	m.FileMode = parsed
	return nil
}

// ParseFileMode parses octal permission bits. Only the 0777 bits are allowed.
func ParseFileMode(s string) (os.FileMode, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	v, err := strconv.ParseUint(digits, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	if os.FileMode(v)&^os.ModePerm != 0 {
		return 0, fmt.Errorf("invalid file mode %q: only permission bits are allowed", s)
	}
	return os.FileMode(v), nil
}

// Settings are resolved serve settings with defaults applied.
type Settings struct {
	Root        string
	ReadOnly    bool
	LogLevel    zapcore.Level
	InstanceID  string
	FileMode    os.FileMode
	DirMode     os.FileMode
	MaxRestarts int
	Backoff     time.Duration
}

// Settings applies defaults and validates the config.
// A nil Config yields the defaults.
func (c *Config) Settings() (Settings, error) {
	if c == nil {
		c = &Config{}
	}

	levelName := c.LogLevel
	if levelName == "" {
		levelName = DefaultLogLevel
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return Settings{}, fmt.Errorf("log_level: %w", err)
	}

	s := Settings{
		Root:        c.Root,
		ReadOnly:    c.ReadOnly,
		LogLevel:    level,
		InstanceID:  c.InstanceID,
		FileMode:    fsexec.DefaultFileMode,
		DirMode:     fsexec.DefaultDirMode,
		MaxRestarts: driver.DefaultMaxRestarts,
		Backoff:     driver.DefaultBackoff,
	}
	if c.FileMode.FileMode != 0 {
		s.FileMode = c.FileMode.FileMode
	}
	if c.DirMode.FileMode != 0 {
		s.DirMode = c.DirMode.FileMode
	}
	if c.Supervisor.MaxRestarts != nil {
		s.MaxRestarts = *c.Supervisor.MaxRestarts
	}
	if c.Supervisor.Backoff.Duration != 0 {
		s.Backoff = c.Supervisor.Backoff.Duration
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks resolved settings.
func (s Settings) Validate() error {
	if s.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must be >= 0, got %d", s.MaxRestarts)
	}
	if s.FileMode == 0 || s.FileMode&^os.ModePerm != 0 {
		return fmt.Errorf("file_mode must be permission bits within 0777, got %#o", uint32(s.FileMode))
	}
	if s.DirMode == 0 || s.DirMode&^os.ModePerm != 0 {
		return fmt.Errorf("dir_mode must be permission bits within 0777, got %#o", uint32(s.DirMode))
	}
	if s.Backoff < 0 {
		return fmt.Errorf("supervisor.backoff must be >= 0, got %s", s.Backoff)
	}
	return nil
}
