// Package config loads the YAML configuration file that describes which
// exports gonbdserver advertises, which backend drives each one, and
// where the server listens.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the root of the YAML document.
type Config struct {
	Servers       []ServerConfig `yaml:"servers"`
	MetricsAddr   string         `yaml:"metrics_addr"`   // "" disables the /metrics listener
	LogLevel      string         `yaml:"log_level"`      // debug, info, warn, error
	MaxInFlight   int            `yaml:"max_in_flight"`  // per-client in-flight request cap, 0 -> nbd.MaxInFlight
	MaxBufferSize int            `yaml:"max_buffer_size"` // per-request payload cap in bytes, 0 -> nbd.MaxBufferSize
}

// ServerConfig describes one listen address and the exports served on it.
type ServerConfig struct {
	Protocol string         `yaml:"protocol"` // "tcp" or "unix"
	Address  string         `yaml:"address"`
	Exports  []ExportConfig `yaml:"exports"`
}

// ExportConfig describes one named export and its backend.
type ExportConfig struct {
	Name     string `yaml:"name"`
	Driver   string `yaml:"driver"` // "file", "aio", or "rbd"
	ReadOnly bool   `yaml:"readonly"`

	// file/aio
	Path string `yaml:"path"`

	// rbd
	CephConfigFile string `yaml:"ceph_config_file"`
	Pool           string `yaml:"pool"`
	Image          string `yaml:"image"`

	SizeBytes int64 `yaml:"size_bytes"` // 0 -> derive from the backend at startup
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Servers {
		if c.Servers[i].Protocol == "" {
			c.Servers[i].Protocol = "tcp"
		}
	}
}

// Validate rejects configurations the server cannot safely start with:
// duplicate export names (registry name binding requires uniqueness),
// names over the wire limit, and unknown driver strings.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, s := range c.Servers {
		for _, e := range s.Exports {
			if e.Name == "" {
				return fmt.Errorf("config: export with empty name on %s %s", s.Protocol, s.Address)
			}
			if len(e.Name) > 255 {
				return fmt.Errorf("config: export name %q exceeds 255 bytes", e.Name)
			}
			if seen[e.Name] {
				return fmt.Errorf("config: duplicate export name %q", e.Name)
			}
			seen[e.Name] = true
			switch e.Driver {
			case "file", "aio", "rbd":
			default:
				return fmt.Errorf("config: export %q: unknown driver %q", e.Name, e.Driver)
			}
		}
	}
	return nil
}
