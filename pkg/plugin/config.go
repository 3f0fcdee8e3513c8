package plugin

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultLifecycleTimeout bounds a single enable or expansion callback.
const DefaultLifecycleTimeout = 30 * time.Second

// ManagerConfig describes which plugins to discover and in what order.
type ManagerConfig struct {
	PluginDir string `yaml:"pluginDir" koanf:"dir"`
	// LifecycleTimeoutSeconds is the deadline placed on each callback context.
	LifecycleTimeoutSeconds int `yaml:"lifecycleTimeoutSeconds" koanf:"lifecycle_timeout_seconds"`
	// Plugins is ordered; its order is the discovery order.
	Plugins []PluginConfig `yaml:"plugins" koanf:"list"`
}

// PluginConfig is the configuration block for a single plugin.
type PluginConfig struct {
	Name    string         `yaml:"name" koanf:"name"`
	Enabled bool           `yaml:"enabled" koanf:"enabled"`
	Path    string         `yaml:"path" koanf:"path"`
	Config  map[string]any `yaml:"config" koanf:"config"`
}

// LifecycleTimeout returns the configured callback timeout or the default.
func (c ManagerConfig) LifecycleTimeout() time.Duration {
	if c.LifecycleTimeoutSeconds <= 0 {
		return DefaultLifecycleTimeout
	}
	return time.Duration(c.LifecycleTimeoutSeconds) * time.Second
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the manager configuration is internally consistent.
// Duplicate names are reported here so misconfiguration fails before any
// plugin code runs.
func (c ManagerConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Plugins))
	for i, p := range c.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plugin #%d name cannot be empty", i)
		}
		if !ValidName(p.Name) {
			return fmt.Errorf("plugin name %q must be a single token", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("plugin %s listed twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// ValidName reports whether name is a single token of letters, digits, '.', '_' or '-'.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}
