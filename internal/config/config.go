// Package config aggregates the per-module configuration structs
// (storage, unified cache, executor resource limits, audit, metrics,
// retry) behind a single YAML-loadable root.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuenv/cuenv/internal/audit"
	"github.com/cuenv/cuenv/internal/executor"
	"github.com/cuenv/cuenv/internal/metrics"
	"github.com/cuenv/cuenv/internal/storage"
	"github.com/cuenv/cuenv/internal/unifiedcache"
	"github.com/cuenv/cuenv/pkg/retry"
)

// Configuration is the root of a cuenv cache-root configuration file.
type Configuration struct {
	Storage   storage.Config          `yaml:"storage"`
	Cache     unifiedcache.Config     `yaml:"cache"`
	Resources executor.ResourceLimits `yaml:"resources"`
	Audit     audit.Config            `yaml:"audit"`
	Metrics   metrics.Config          `yaml:"metrics"`
	Retry     retry.Config            `yaml:"retry"`
}

// NewDefault returns a Configuration populated from each module's own
// DefaultConfig/DefaultResourceLimits constructor.
func NewDefault() *Configuration {
	return &Configuration{
		Storage:   storage.DefaultConfig(),
		Cache:     unifiedcache.DefaultConfig(),
		Resources: executor.DefaultResourceLimits(),
		Audit:     audit.Config{},
		Metrics:   metrics.Config{Enabled: false, Path: "/metrics"},
		Retry:     retry.DefaultConfig(),
	}
}

// LoadFromFile overlays a YAML file's contents onto c, in place. Fields
// absent from the file keep whatever c already held (normally the
// NewDefault values).
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadConfig reads filename and returns the resulting Configuration,
// starting from NewDefault so an omitted section keeps its default.
func LoadConfig(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(filename); err != nil {
		return nil, err
	}
	return cfg, nil
}
