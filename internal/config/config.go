// Package config holds the settings a Database is opened with.
//
// A Config is an explicit value threaded from Open into every Connection;
// nothing in the engine reads process-wide settings. Files may be YAML or
// CUE. CUE files are unified with an embedded schema that supplies defaults
// and rejects unknown fields.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures a Database.
type Config struct {
	// Path is the SQLite file.
	Path string `yaml:"path" json:"path"`

	// Per-connection cache capacities. Zero disables the cache limit.
	ObjectCacheSize   int `yaml:"object_cache_size" json:"object_cache_size"`
	MetadataCacheSize int `yaml:"metadata_cache_size" json:"metadata_cache_size"`
	KeyCacheSize      int `yaml:"key_cache_size" json:"key_cache_size"`
	// PageCacheSize bounds how many view pages each connection keeps decoded.
	PageCacheSize int `yaml:"page_cache_size" json:"page_cache_size"`

	// Synchronous is the SQLite synchronous pragma: OFF, NORMAL, FULL or EXTRA.
	Synchronous   string `yaml:"synchronous" json:"synchronous"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`

	// MaxRetainedChangesets caps the commit history kept for connections that
	// have not caught up yet. Connections further behind reload from disk.
	MaxRetainedChangesets int `yaml:"max_retained_changesets" json:"max_retained_changesets"`

	Log LogConfig `yaml:"log" json:"log"`
}

// LogConfig selects the logger built when none is supplied.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // tint, text, json
}

// Default returns the configuration used for zero fields.
func Default() Config {
	return Config{
		ObjectCacheSize:       250,
		MetadataCacheSize:     250,
		KeyCacheSize:          1000,
		PageCacheSize:         64,
		Synchronous:           "NORMAL",
		BusyTimeoutMS:         5000,
		MaxRetainedChangesets: 1000,
		Log: LogConfig{
			Level:  "info",
			Format: "tint",
		},
	}
}

// ForPath returns Default with Path set.
func ForPath(path string) Config {
	c := Default()
	c.Path = path
	return c
}

// BusyTimeout returns BusyTimeoutMS as a duration.
func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMS) * time.Millisecond
}

// SlogLevel parses Log.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	return l, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("path: must not be empty"))
	}
	for name, v := range map[string]int{
		"object_cache_size":   c.ObjectCacheSize,
		"metadata_cache_size": c.MetadataCacheSize,
		"key_cache_size":      c.KeyCacheSize,
		"page_cache_size":     c.PageCacheSize,
		"busy_timeout_ms":     c.BusyTimeoutMS,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0, got %d", name, v))
		}
	}
	switch strings.ToUpper(c.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, fmt.Errorf("synchronous: unknown level %q", c.Synchronous))
	}
	if c.MaxRetainedChangesets <= 0 {
		errs = append(errs, fmt.Errorf("max_retained_changesets: must be > 0, got %d", c.MaxRetainedChangesets))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "tint", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Load reads a YAML (.yaml, .yml) or CUE (.cue) file. Relative database
// paths are resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var c Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		c, err = ParseYAML(data)
	case ".cue":
		c, err = ParseCUE(filepath.Base(path), data)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	if c.Path != "" && !filepath.IsAbs(c.Path) {
		c.Path = filepath.Join(filepath.Dir(path), c.Path)
	}
	return c, nil
}

// ParseYAML decodes YAML over Default and validates the result.
func ParseYAML(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
