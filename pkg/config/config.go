// Package config provides configuration loading and management for volmask.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Fill value limits accepted by the configuration layer. The masking
// engine additionally checks the value against the sample type.
const (
	DefaultFillMin = -32768
	DefaultFillMax = 65535
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines rasterize and write
		// slices in parallel
		NumWorkers int `yaml:"numWorkers" toml:"numWorkers"`
	} `yaml:"processing" toml:"processing"`

	// Volume geometry used when the input is a slice stack
	Volume struct {
		// PixelSpacing is the in-plane distance between pixel centres in mm
		PixelSpacing float64 `yaml:"pixelSpacing" toml:"pixelSpacing"`

		// SliceGap represents the physical distance between consecutive slices in mm
		SliceGap float64 `yaml:"sliceGap" toml:"sliceGap"`

		// Origin is the RAS position of the first voxel
		Origin [3]float64 `yaml:"origin" toml:"origin"`
	} `yaml:"volume" toml:"volume"`

	// Masking parameters
	Masking struct {
		// MaskOutside fills voxels outside the surface when set, inside otherwise
		MaskOutside bool `yaml:"maskOutside" toml:"maskOutside"`

		// FillValue is written to the masked voxels
		FillValue float64 `yaml:"fillValue" toml:"fillValue"`

		// FillMin and FillMax bound FillValue
		FillMin float64 `yaml:"fillMin" toml:"fillMin"`
		FillMax float64 `yaml:"fillMax" toml:"fillMax"`

		// SurfaceTransform is an optional row-major 4x4 local-to-world
		// matrix applied to the surface
		SurfaceTransform []float64 `yaml:"surfaceTransform,omitempty" toml:"surfaceTransform,omitempty"`
	} `yaml:"masking" toml:"masking"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults" toml:"saveIntermediaryResults"`

		// Verbose controls the level of console output
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// Format of the written slices: png or tiff
		Format string `yaml:"format" toml:"format"`
	} `yaml:"output" toml:"output"`

	// Logging parameters
	Logging struct {
		// File is the log file; empty logs to stderr
		File string `yaml:"file" toml:"file"`

		// MaxSize is the size in megabytes at which the log file is rotated
		MaxSize int `yaml:"maxSize" toml:"maxSize"`

		// MaxAge is the number of days rotated log files are kept
		MaxAge int `yaml:"maxAge" toml:"maxAge"`

		// Level is one of debug, info, warn, error
		Level string `yaml:"level" toml:"level"`
	} `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	cfg.Volume.PixelSpacing = 1.0
	cfg.Volume.SliceGap = 1.0

	cfg.Masking.MaskOutside = true
	cfg.Masking.FillValue = 0
	cfg.Masking.FillMin = DefaultFillMin
	cfg.Masking.FillMax = DefaultFillMax

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true
	cfg.Output.Format = "tiff"

	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28
	cfg.Logging.Level = "info"

	return cfg
}

// Validate checks the values that the masking pipeline cannot recover from.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers %d: %w", c.Processing.NumWorkers, ErrInvalidConfig)
	}
	if !(c.Volume.PixelSpacing > 0) || !(c.Volume.SliceGap > 0) {
		return fmt.Errorf("pixelSpacing %g, sliceGap %g must be positive: %w",
			c.Volume.PixelSpacing, c.Volume.SliceGap, ErrInvalidConfig)
	}
	m := c.Masking
	if m.FillMin > m.FillMax {
		return fmt.Errorf("fill range [%g, %g] is empty: %w", m.FillMin, m.FillMax, ErrInvalidConfig)
	}
	if math.IsNaN(m.FillValue) || m.FillValue < m.FillMin || m.FillValue > m.FillMax {
		return fmt.Errorf("fillValue %g outside [%g, %g]: %w", m.FillValue, m.FillMin, m.FillMax, ErrInvalidConfig)
	}
	if n := len(m.SurfaceTransform); n != 0 && n != 16 {
		return fmt.Errorf("surfaceTransform has %d values, want 16: %w", n, ErrInvalidConfig)
	}
	switch c.Output.Format {
	case "png", "tiff":
	default:
		return fmt.Errorf("output format %q: %w", c.Output.Format, ErrInvalidConfig)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q: %w", c.Logging.Level, ErrInvalidConfig)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by the
// file extension. If the file doesn't exist, it returns the default
// configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
