// Package config loads engine tunables from a YAML file. Every field has a
// working default so a missing or partial file is fine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/tabwarden/pkg/classify"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" as well as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all engine tunables.
type Config struct {
	Storage        StorageConfig        `yaml:"storage"`
	Browser        BrowserConfig        `yaml:"browser"`
	Indicator      IndicatorConfig      `yaml:"indicator"`
	Regroup        RegroupConfig        `yaml:"regroup"`
	Classification ClassificationConfig `yaml:"classification"`
}

// StorageConfig selects and locates the durable key-value backend.
type StorageConfig struct {
	// Backend is "file" (default) or "sqlite".
	Backend string `yaml:"backend"`

	// Path overrides the backend's default location.
	Path string `yaml:"path"`
}

// BrowserConfig configures the local playwright driver.
type BrowserConfig struct {
	Headless bool `yaml:"headless"`
}

// IndicatorConfig tunes indicator dispatch.
type IndicatorConfig struct {
	// Debounce is how long rapid-fire state updates are coalesced before a
	// single dispatch pass runs.
	Debounce Duration `yaml:"debounce"`
}

// RegroupConfig tunes the anchor-ejection retry ladder.
type RegroupConfig struct {
	// MaxRetries is the number of backoff retries before the one final
	// forced attempt.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the fixed delay between retries.
	Backoff Duration `yaml:"backoff"`
}

// ClassificationConfig tunes the content classification cache.
type ClassificationConfig struct {
	// Freshness is how long a computed group aggregate is served without
	// recomputing.
	Freshness Duration `yaml:"freshness"`

	// Rules is the ordered host-pattern rule list for the built-in
	// classifier. Empty means everything classifies as allowed.
	Rules []classify.Rule `yaml:"rules"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend: "file",
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Indicator: IndicatorConfig{
			Debounce: Duration(100 * time.Millisecond),
		},
		Regroup: RegroupConfig{
			MaxRetries: 5,
			Backoff:    Duration(time.Second),
		},
		Classification: ClassificationConfig{
			Freshness: Duration(5 * time.Second),
		},
	}
}

// Load reads the config file at path, overlaying it on the defaults.
// If path is empty, ~/.tabwarden/config.yaml is used. A missing file is not
// an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(homeDir, ".tabwarden", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyFloors()
	return cfg, nil
}

// applyFloors keeps nonsensical values from disabling the engine's guards.
func (c *Config) applyFloors() {
	if c.Indicator.Debounce <= 0 {
		c.Indicator.Debounce = Duration(100 * time.Millisecond)
	}
	if c.Regroup.MaxRetries <= 0 {
		c.Regroup.MaxRetries = 5
	}
	if c.Regroup.Backoff <= 0 {
		c.Regroup.Backoff = Duration(time.Second)
	}
	if c.Classification.Freshness <= 0 {
		c.Classification.Freshness = Duration(5 * time.Second)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
}
