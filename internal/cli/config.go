package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxionhq/fluxion/internal/runtime"
	"github.com/fluxionhq/fluxion/internal/supervisor"
)

// Config is the process-wide configuration, loaded once at startup. Flags
// may override dir/host/port after loading.
type Config struct {
	Dir             string         `yaml:"dir"`
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port"`
	MaxRequestBytes *int64         `yaml:"max_request_bytes"`
	Databases       []string       `yaml:"databases"`
	WorkerStrategy  WorkerStrategy `yaml:"worker_strategy"`
	WorkerOptions   WorkerOptions  `yaml:"worker_options"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

// WorkerStrategy is either the scalar "all" or a list of worker specs.
type WorkerStrategy struct {
	All     bool
	Workers []WorkerSpecConfig
}

// UnmarshalYAML accepts `worker_strategy: all` as well as a spec sequence.
func (s *WorkerStrategy) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		if v != "all" {
			return fmt.Errorf("worker_strategy must be \"all\" or a list of workers, got %q", v)
		}
		s.All = true
		return nil
	case yaml.SequenceNode:
		return node.Decode(&s.Workers)
	default:
		return fmt.Errorf("worker_strategy must be \"all\" or a list of workers")
	}
}

// WorkerSpecConfig is one entry of a custom worker strategy.
type WorkerSpecConfig struct {
	ID string   `yaml:"id"`
	DB []string `yaml:"db"`
	WorkerOptions `yaml:",inline"`
}

// WorkerOptions is the YAML form of supervisor.Options; zero fields inherit
// defaults (or, for per-worker entries, the global options).
type WorkerOptions struct {
	MaxOldGenerationSizeMB   int   `yaml:"max_old_generation_size_mb"`
	MaxYoungGenerationSizeMB int   `yaml:"max_young_generation_size_mb"`
	StackSizeMB              int   `yaml:"stack_size_mb"`
	RequestTimeoutMS         int64 `yaml:"request_timeout_ms"`
	MaxInflight              int   `yaml:"max_inflight"`
	MemorySoftLimitMB        int   `yaml:"memory_soft_limit_mb"`
	MemoryHardLimitMB        int   `yaml:"memory_hard_limit_mb"`
	MaxResponseBytes         int64 `yaml:"max_response_bytes"`
	MemorySampleIntervalMS   int64 `yaml:"memory_sample_interval_ms"`
	SoftLimitAlways          bool  `yaml:"soft_limit_always"`
}

func (o WorkerOptions) toSupervisor() supervisor.Options {
	return supervisor.Options{
		MaxOldGenerationSizeMB:   o.MaxOldGenerationSizeMB,
		MaxYoungGenerationSizeMB: o.MaxYoungGenerationSizeMB,
		StackSizeMB:              o.StackSizeMB,
		RequestTimeout:           time.Duration(o.RequestTimeoutMS) * time.Millisecond,
		MaxInflight:              o.MaxInflight,
		MemorySoftLimitMB:        o.MemorySoftLimitMB,
		MemoryHardLimitMB:        o.MemoryHardLimitMB,
		MaxResponseBytes:         o.MaxResponseBytes,
		MemorySampleInterval:     time.Duration(o.MemorySampleIntervalMS) * time.Millisecond,
		SoftLimitAlways:          o.SoftLimitAlways,
	}
}

// LoadConfig reads and validates the YAML configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the fail-fast startup checks. Worker spec validation
// (ids, db names) happens when the runtime builds its bindings.
func (c *Config) Validate() error {
	if c.MaxRequestBytes != nil && *c.MaxRequestBytes <= 0 {
		return fmt.Errorf("max_request_bytes must be positive, got %d", *c.MaxRequestBytes)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if len(c.WorkerStrategy.Workers) > 0 && c.WorkerStrategy.All {
		return fmt.Errorf("worker_strategy cannot be both \"all\" and a worker list")
	}
	return nil
}

// WorkerSpecs converts the strategy into runtime worker specs; nil means the
// "all" strategy.
func (c *Config) WorkerSpecs() []runtime.WorkerSpec {
	if c.WorkerStrategy.All || len(c.WorkerStrategy.Workers) == 0 {
		return nil
	}
	specs := make([]runtime.WorkerSpec, 0, len(c.WorkerStrategy.Workers))
	for _, w := range c.WorkerStrategy.Workers {
		specs = append(specs, runtime.WorkerSpec{
			ID:        w.ID,
			DB:        w.DB,
			Overrides: w.WorkerOptions.toSupervisor(),
		})
	}
	return specs
}
