// Package config provides configuration loading and management for slscan.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the pipeline configuration loaded from YAML
type Config struct {
	// Decode parameters
	Decode struct {
		// System is the projected code, "gray" or "minsw"
		System string `yaml:"system"`

		// Bits is the number of bit planes captured per direction
		Bits int `yaml:"bits"`

		// CodeTable is the minimum-stripe-width table file, unused for gray
		CodeTable string `yaml:"codeTable"`

		// Threshold is the smallest normalised intensity difference that
		// classifies a pixel as lit or dark
		Threshold float64 `yaml:"threshold"`

		// Oriented averages the difference along the stripe direction read
		// from the capture metadata
		Oriented bool `yaml:"oriented"`
	} `yaml:"decode"`

	// Refinement parameters
	Refine struct {
		// Enabled runs refinement between decoding and rectification
		Enabled bool `yaml:"enabled"`

		// Radius is the neighbour distance along the stripe in pixels
		Radius int `yaml:"radius"`

		// Tolerance is the largest difference treated as agreement
		Tolerance float64 `yaml:"tolerance"`

		// MaxPasses bounds the number of refinement passes
		MaxPasses int `yaml:"maxPasses"`
	} `yaml:"refine"`

	// Stereo parameters
	Stereo struct {
		// RowSlack widens the disparity search to neighbouring rows
		RowSlack int `yaml:"rowSlack"`

		// DisparityTolerance is the largest label distance accepted as a match
		DisparityTolerance float64 `yaml:"disparityTolerance"`

		// MergeTolerance is the largest round-trip error in pixels a chain may have
		MergeTolerance float64 `yaml:"mergeTolerance"`

		// FuseTolerance is the largest distance from the median in pixels for
		// a projector to agree
		FuseTolerance float64 `yaml:"fuseTolerance"`

		// MinAgree is the number of agreeing projectors a fused pixel needs
		MinAgree int `yaml:"minAgree"`
	} `yaml:"stereo"`

	// Pipeline parameters
	Pipeline struct {
		// Root is the scan directory
		Root string `yaml:"root"`

		// Workers bounds both concurrent jobs and per-raster goroutines
		Workers int `yaml:"workers"`

		// JobDB is the job ledger path, relative to Root when not absolute
		JobDB string `yaml:"jobDB"`

		// Previews writes a PNG beside every raster
		Previews bool `yaml:"previews"`
	} `yaml:"pipeline"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Decode.System = "gray"
	cfg.Decode.Bits = 10
	cfg.Decode.Threshold = 0.035
	cfg.Decode.Oriented = false

	cfg.Refine.Enabled = true
	cfg.Refine.Radius = 1
	cfg.Refine.Tolerance = 1e-3
	cfg.Refine.MaxPasses = 8

	cfg.Stereo.RowSlack = 0
	cfg.Stereo.DisparityTolerance = 0.5
	cfg.Stereo.MergeTolerance = 1.0
	cfg.Stereo.FuseTolerance = 1.0
	cfg.Stereo.MinAgree = 1

	cfg.Pipeline.Root = "."
	cfg.Pipeline.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Pipeline.JobDB = "jobs.db"
	cfg.Pipeline.Previews = false

	return cfg
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	switch c.Decode.System {
	case "gray":
	case "minsw":
		if c.Decode.CodeTable == "" {
			return fmt.Errorf("decode.codeTable is required for the minsw system")
		}
	default:
		return fmt.Errorf("decode.system must be gray or minsw, got %q", c.Decode.System)
	}
	if c.Decode.Bits < 1 || c.Decode.Bits > 31 {
		return fmt.Errorf("decode.bits must be between 1 and 31, got %d", c.Decode.Bits)
	}
	if c.Decode.Threshold < 0 || c.Decode.Threshold >= 1 {
		return fmt.Errorf("decode.threshold must be in [0, 1), got %g", c.Decode.Threshold)
	}
	if c.Refine.Radius < 1 {
		return fmt.Errorf("refine.radius must be at least 1, got %d", c.Refine.Radius)
	}
	if c.Refine.MaxPasses < 1 {
		return fmt.Errorf("refine.maxPasses must be at least 1, got %d", c.Refine.MaxPasses)
	}
	if c.Stereo.RowSlack < 0 {
		return fmt.Errorf("stereo.rowSlack must not be negative, got %d", c.Stereo.RowSlack)
	}
	if c.Stereo.DisparityTolerance < 0 || c.Stereo.MergeTolerance < 0 || c.Stereo.FuseTolerance < 0 {
		return fmt.Errorf("stereo tolerances must not be negative")
	}
	if c.Stereo.MinAgree < 1 {
		return fmt.Errorf("stereo.minAgree must be at least 1, got %d", c.Stereo.MinAgree)
	}
	if c.Pipeline.Root == "" {
		return fmt.Errorf("pipeline.root is required")
	}
	return nil
}

// JobDBPath resolves the job ledger path against the scan root
func (c *Config) JobDBPath() string {
	if c.Pipeline.JobDB == "" || filepath.IsAbs(c.Pipeline.JobDB) || c.Pipeline.JobDB == ":memory:" {
		return c.Pipeline.JobDB
	}
	return filepath.Join(c.Pipeline.Root, c.Pipeline.JobDB)
}

// CodeTablePath resolves the code table path against the scan root
func (c *Config) CodeTablePath() string {
	if c.Decode.CodeTable == "" || filepath.IsAbs(c.Decode.CodeTable) {
		return c.Decode.CodeTable
	}
	return filepath.Join(c.Pipeline.Root, c.Decode.CodeTable)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
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

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
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
