// Package config is the top-level YAML configuration for the demonstration
// CLI, shaped after the teacher control plane's controlplane/pkg/yncp/cfg.go:
// a struct with yaml tags, a DefaultConfig constructor, and a LoadConfig
// that reads the file and unmarshals onto the defaults.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// Logging configures the shared zap logger.
	Logging LoggingConfig `yaml:"logging"`
	// TracingPath is the directory tracebuffers are resolved against
	// (spec §6 "Configuration": "tracing_path: path (default \".\")").
	TracingPath string `yaml:"tracing_path"`
	// RingSize is the declared ring-buffer body size for tracebuffers
	// this process binds, expressed as a human-readable size the way the
	// teacher's ring.go expresses minRingSize/maxRingSize.
	RingSize datasize.ByteSize `yaml:"ring_size"`
	// Streaming configures the optional live-ordering layer (spec §4.7).
	Streaming StreamingConfig `yaml:"streaming"`
}

// LoggingConfig is the configuration for the logging subsystem.
type LoggingConfig struct {
	Level zapcore.Level `yaml:"level"`
}

// StreamingConfig configures streaming.OrderedBuffer.
type StreamingConfig struct {
	// Capacity bounds the ordered buffer; oldest events are dropped once
	// full (spec §4.7 "Live streaming").
	Capacity int `yaml:"capacity"`
	// DelayNS is how far behind the watermark an event must sit before it
	// is eligible for release, in nanoseconds.
	DelayNS uint64 `yaml:"delay_ns"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Logging:     LoggingConfig{Level: zapcore.InfoLevel},
		TracingPath: ".",
		RingSize:    datasize.MB,
		Streaming: StreamingConfig{
			Capacity: 4096,
			DelayNS:  1_000_000, // 1ms
		},
	}
}

// LoadConfig reads path and unmarshals it onto DefaultConfig's values, so
// a sidecar file only needs to specify the fields it overrides.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
