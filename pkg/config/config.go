// Package config loads the sitekeeper configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tool-wide settings. Zero values are filled with defaults
// by Load, so a missing or partial config file is fine.
type Config struct {
	BaseDir    string `yaml:"base_dir"`    // Root for live site directories
	ArchiveDir string `yaml:"archive_dir"` // Where site zips are stored
	LogDir     string `yaml:"log_dir"`     // Per-site server logs

	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	PythonBin   string `yaml:"python_bin"`   // Interpreter used to run site launchers
	StopTimeout int    `yaml:"stop_timeout"` // Seconds to wait before force-killing
	ListenPort  int    `yaml:"listen_port"`  // Daemon API port
	OpenBrowser bool   `yaml:"open_browser"` // Open site URL after start
}

// DefaultPath returns the config file location (~/.sitekeeper/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".sitekeeper", "config.yaml")
}

func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, "PersonalSites")
	return &Config{
		BaseDir:     base,
		ArchiveDir:  filepath.Join(base, "_archive"),
		LogDir:      filepath.Join(base, "_logs"),
		PortMin:     5000,
		PortMax:     5999,
		PythonBin:   "python3",
		StopTimeout: 5,
		ListenPort:  4780,
		OpenBrowser: true,
	}
}

// Load reads the config from path ("" means DefaultPath), applies defaults
// for unset fields and ensures the base/archive/log directories exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := defaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.fillDefaults()

	for _, dir := range []string{cfg.BaseDir, cfg.ArchiveDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := defaults()
	if c.BaseDir == "" {
		c.BaseDir = def.BaseDir
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.BaseDir, "_archive")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.BaseDir, "_logs")
	}
	if c.PortMin == 0 {
		c.PortMin = def.PortMin
	}
	if c.PortMax == 0 {
		c.PortMax = def.PortMax
	}
	if c.PythonBin == "" {
		c.PythonBin = def.PythonBin
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.ListenPort == 0 {
		c.ListenPort = def.ListenPort
	}
}

// RegistryPath returns the location of the persisted site registry.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.BaseDir, "sites.json")
}

// StopTimeoutDuration returns the configured stop timeout as a duration.
func (c *Config) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}
