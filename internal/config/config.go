// Package config loads the receiver's optional JSON configuration file.
// Command-line flags override anything set here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/banshee-data/beacon.report/internal/serialmux"
)

// Defaults for every key. A Config with all fields nil behaves as if these
// were set.
const (
	DefaultPort             = "/dev/ttyUSB0"
	DefaultPollInterval     = time.Second
	DefaultLivenessTimeout  = 10 * time.Second
	DefaultReadTimeout      = 100 * time.Millisecond
	DefaultFrameTimeout     = time.Second
	DefaultMaxFramesPerTick = 1
	DefaultExportPath       = "data.csv"
	DefaultDBPath           = "beacon.db"
	DefaultListen           = ":8080"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the on-disk configuration. Pointer fields distinguish "not set"
// from a zero value so partial files are safe.
type Config struct {
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`

	// Durations are strings like "1s" or "250ms".
	PollInterval    *string `json:"poll_interval,omitempty"`
	LivenessTimeout *string `json:"liveness_timeout,omitempty"`
	ReadTimeout     *string `json:"read_timeout,omitempty"`
	FrameTimeout    *string `json:"frame_timeout,omitempty"`

	MaxFramesPerTick *int `json:"max_frames_per_tick,omitempty"`

	ExportPath *string `json:"export_path,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`
	Listen     *string `json:"listen,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg := Empty()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *Config) Validate() error {
	if c.Port != nil && *c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.BaudRate != nil && !slices.Contains(serialmux.SupportedBaudRates, *c.BaudRate) {
		return fmt.Errorf("baud_rate must be one of %v, got %d", serialmux.SupportedBaudRates, *c.BaudRate)
	}

	durations := []struct {
		key string
		val *string
	}{
		{"poll_interval", c.PollInterval},
		{"liveness_timeout", c.LivenessTimeout},
		{"read_timeout", c.ReadTimeout},
		{"frame_timeout", c.FrameTimeout},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.key, *d.val, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, v)
		}
	}

	if c.MaxFramesPerTick != nil && *c.MaxFramesPerTick < 1 {
		return fmt.Errorf("max_frames_per_tick must be at least 1, got %d", *c.MaxFramesPerTick)
	}
	return nil
}

func getString(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetPort returns the serial device path.
func (c *Config) GetPort() string { return getString(c.Port, DefaultPort) }

// GetBaudRate returns the serial line speed.
func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil {
		return serialmux.DefaultBaudRate
	}
	return *c.BaudRate
}

// GetPollInterval returns the poll loop period.
func (c *Config) GetPollInterval() time.Duration {
	return getDuration(c.PollInterval, DefaultPollInterval)
}

// GetLivenessTimeout returns how long a device stays Connected.
func (c *Config) GetLivenessTimeout() time.Duration {
	return getDuration(c.LivenessTimeout, DefaultLivenessTimeout)
}

// GetReadTimeout returns the serial read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return getDuration(c.ReadTimeout, DefaultReadTimeout)
}

// GetFrameTimeout returns how long a partial frame may wait for its tail.
func (c *Config) GetFrameTimeout() time.Duration {
	return getDuration(c.FrameTimeout, DefaultFrameTimeout)
}

func (c *Config) GetMaxFramesPerTick() int {
	if c.MaxFramesPerTick == nil {
		return DefaultMaxFramesPerTick
	}
	return *c.MaxFramesPerTick
}

func (c *Config) GetExportPath() string { return getString(c.ExportPath, DefaultExportPath) }

func (c *Config) GetDBPath() string { return getString(c.DBPath, DefaultDBPath) }

func (c *Config) GetListen() string { return getString(c.Listen, DefaultListen) }
