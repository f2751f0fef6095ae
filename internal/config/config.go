package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/xilenv/bbwatch/pkg/blackboard"
	"gopkg.in/yaml.v3"
)

// DefaultQueueSize is the per-panel queue capacity used when queue_size is omitted.
const DefaultQueueSize = 64

// DefaultRedisURL is used when the redis section is omitted.
const DefaultRedisURL = "redis://localhost:6379"

// Config represents the top-level bbwatch.yml configuration
type Config struct {
	Version   string           `yaml:"version"`
	Instance  string           `yaml:"instance"`
	Redis     *RedisConfig     `yaml:"redis,omitempty"`
	QueueSize int              `yaml:"queue_size,omitempty"`
	Health    *HealthConfig    `yaml:"health,omitempty"`
	Panels    map[string]Panel `yaml:"panels"`
}

// RedisConfig locates the shared blackboard
type RedisConfig struct {
	URL string `yaml:"url"`
}

// HealthConfig enables the health/metrics HTTP server
type HealthConfig struct {
	Addr string `yaml:"addr"` // e.g. ":8080"; empty disables the server
}

// Panel is one widget watching the blackboard
type Panel struct {
	Variables []string `yaml:"variables,omitempty"` // Variable names to watch
	All       bool     `yaml:"all,omitempty"`       // Watch the whole table instead
	Observe   []string `yaml:"observe"`             // Flag names, see blackboard.ParseFlagNames
}

// Validate performs strict validation on the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}

	if len(c.Panels) == 0 {
		return fmt.Errorf("no panels defined")
	}

	for _, name := range c.PanelNames() {
		panel := c.Panels[name]
		if err := panel.Validate(name); err != nil {
			return err
		}
	}

	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must be > 0, got %d", c.QueueSize)
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}

	return nil
}

// Validate performs validation on a single panel configuration
func (p *Panel) Validate(name string) error {
	if p.All && len(p.Variables) > 0 {
		return fmt.Errorf("panel '%s': 'all' and 'variables' are mutually exclusive", name)
	}
	if !p.All && len(p.Variables) == 0 {
		return fmt.Errorf("panel '%s': either 'all' or at least one variable is required", name)
	}

	seen := make(map[string]bool, len(p.Variables))
	for _, v := range p.Variables {
		if v == "" {
			return fmt.Errorf("panel '%s': variable names must not be empty", name)
		}
		if seen[v] {
			return fmt.Errorf("panel '%s': variable '%s' listed twice", name, v)
		}
		seen[v] = true
	}

	flags, err := p.Flags()
	if err != nil {
		return fmt.Errorf("panel '%s': %w", name, err)
	}
	if flags == 0 {
		return fmt.Errorf("panel '%s': observe must name at least one flag", name)
	}

	return nil
}

// Flags returns the observation mask named by the panel's observe list
func (p *Panel) Flags() (blackboard.ObservationFlags, error) {
	return blackboard.ParseFlagNames(p.Observe)
}

// PanelNames returns the panel names in sorted order
func (c *Config) PanelNames() []string {
	names := make([]string, 0, len(c.Panels))
	for name := range c.Panels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and validates a bbwatch.yml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Demo returns the built-in configuration used by `bbwatch demo` when no file is given
func Demo() *Config {
	return &Config{
		Version:   "1.0",
		Instance:  "demo",
		QueueSize: DefaultQueueSize,
		Redis:     &RedisConfig{URL: DefaultRedisURL},
		Panels: map[string]Panel{
			"gauges": {
				Variables: []string{"speed", "rpm"},
				Observe:   []string{"value", "unit", "minmax"},
			},
			"signal": {
				Variables: []string{"coolant"},
				Observe:   []string{"value"},
			},
			"variable-list": {
				All:     true,
				Observe: []string{"add", "remove"},
			},
		},
	}
}
