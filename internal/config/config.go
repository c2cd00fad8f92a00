// Package config loads and validates the engine's configuration surface:
// the throttling knobs from spec.md §6, plus the backoff, bulk-writer, and
// transaction tuning the ambient stack needs. Parsed with gopkg.in/yaml.v3
// directly — the teacher repo declares this dependency but routes config
// through a hand-rolled line-based YAML reader instead; see DESIGN.md.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Throttling ThrottlingConfig `yaml:"throttling"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	BulkWriter BulkWriterConfig `yaml:"bulkWriter"`
	Transaction TransactionConfig `yaml:"transaction"`
	Channels   ChannelsConfig   `yaml:"channels"`

	path string
}

// DatabaseConfig names the target database.
type DatabaseConfig struct {
	ProjectID string `yaml:"projectId"`
	Database  string `yaml:"database"`
}

// ThrottlingConfig mirrors spec §6's bulk-writer throttling surface: either
// a bool (true=defaults, false=disabled) or explicit ops/sec bounds. YAML
// unmarshaling keeps the original node in raw so ApplyDefaults/Validate can
// tell which shape was given.
type ThrottlingConfig struct {
	Enabled            bool
	InitialOpsPerSecond int
	MaxOpsPerSecond    int

	raw yaml.Node
}

// UnmarshalYAML accepts either `throttling: true|false` or
// `throttling: {initialOpsPerSecond: N, maxOpsPerSecond: M}`.
func (t *ThrottlingConfig) UnmarshalYAML(node *yaml.Node) error {
	t.raw = *node
	switch node.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("config: throttling scalar must be a bool: %w", err)
		}
		t.Enabled = b
		return nil
	case yaml.MappingNode:
		var m struct {
			InitialOpsPerSecond int `yaml:"initialOpsPerSecond"`
			MaxOpsPerSecond     int `yaml:"maxOpsPerSecond"`
		}
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("config: invalid throttling object: %w", err)
		}
		t.Enabled = true
		t.InitialOpsPerSecond = m.InitialOpsPerSecond
		t.MaxOpsPerSecond = m.MaxOpsPerSecond
		return nil
	default:
		return fmt.Errorf("config: throttling must be a bool or an object")
	}
}

// BackoffConfig configures internal/backoff.
type BackoffConfig struct {
	InitialDelayMS int     `yaml:"initialDelayMs"`
	Factor         float64 `yaml:"factor"`
	MaxDelayMS     int     `yaml:"maxDelayMs"`
	Jitter         float64 `yaml:"jitter"`
	MaxAttempts    int     `yaml:"maxAttempts"`
}

// BulkWriterConfig configures internal/bulkwriter.
type BulkWriterConfig struct {
	MaxBatchSize      int `yaml:"maxBatchSize"`
	RetryBatchSize    int `yaml:"retryBatchSize"`
	MaxPendingOps     int `yaml:"maxPendingOps"`
	MaxRetryAttempts  int `yaml:"maxRetryAttempts"`
}

// TransactionConfig configures internal/txn.
type TransactionConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
}

// ChannelsConfig holds the per-channel concurrency setting. It is loaded and
// defaulted here but not read by internal/channelpool, which uses its own
// MaxConcurrentPerChannel constant.
type ChannelsConfig struct {
	MaxConcurrentPerChannel int `yaml:"maxConcurrentPerChannel"`
}

// ValidationError collects configuration issues, matching the teacher's
// aggregate-then-report style for config validation.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	for _, err := range e.Errors {
		b.WriteString("\n - ")
		b.WriteString(err)
	}
	return b.String()
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: empty path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with spec defaults.
func (c *Config) ApplyDefaults() {
	if c.Backoff.InitialDelayMS <= 0 {
		c.Backoff.InitialDelayMS = 1000
	}
	if c.Backoff.Factor <= 0 {
		c.Backoff.Factor = 1.5
	}
	if c.Backoff.MaxDelayMS <= 0 {
		c.Backoff.MaxDelayMS = 60000
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = 1.0
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 10
	}
	if c.BulkWriter.MaxBatchSize <= 0 {
		c.BulkWriter.MaxBatchSize = 20
	}
	if c.BulkWriter.RetryBatchSize <= 0 {
		c.BulkWriter.RetryBatchSize = 10
	}
	if c.BulkWriter.MaxPendingOps <= 0 {
		c.BulkWriter.MaxPendingOps = 500
	}
	if c.BulkWriter.MaxRetryAttempts <= 0 {
		c.BulkWriter.MaxRetryAttempts = 10
	}
	if c.Transaction.MaxAttempts <= 0 {
		c.Transaction.MaxAttempts = 5
	}
	if c.Channels.MaxConcurrentPerChannel <= 0 {
		c.Channels.MaxConcurrentPerChannel = 100
	}
	if c.Throttling.raw.Kind == 0 {
		// throttling key absent entirely: behave as "true" (defaults).
		c.Throttling.Enabled = true
	}
	// An explicit throttling object keeps its own initialOpsPerSecond, so a
	// non-positive value there reaches Validate instead of being defaulted.
	if c.Throttling.Enabled && c.Throttling.raw.Kind != yaml.MappingNode && c.Throttling.InitialOpsPerSecond <= 0 {
		c.Throttling.InitialOpsPerSecond = 500
	}
}

// Validate rejects the invalid-argument cases named in spec §6: non-integer
// values are impossible to express via these int fields, so validation
// covers non-positive and inverted bounds.
func (c *Config) Validate() error {
	var errs []string
	if c.Throttling.Enabled {
		if c.Throttling.InitialOpsPerSecond < 1 {
			errs = append(errs, "throttling.initialOpsPerSecond must be >= 1")
		}
		if c.Throttling.MaxOpsPerSecond != 0 && c.Throttling.MaxOpsPerSecond < 1 {
			errs = append(errs, "throttling.maxOpsPerSecond must be >= 1")
		}
		if c.Throttling.MaxOpsPerSecond != 0 && c.Throttling.MaxOpsPerSecond < c.Throttling.InitialOpsPerSecond {
			errs = append(errs, "throttling.maxOpsPerSecond must be >= initialOpsPerSecond")
		}
	}
	if c.BulkWriter.MaxBatchSize > 500 {
		errs = append(errs, "bulkWriter.maxBatchSize must be <= 500")
	}
	if c.BulkWriter.RetryBatchSize > c.BulkWriter.MaxBatchSize {
		errs = append(errs, "bulkWriter.retryBatchSize must be <= maxBatchSize")
	}
	if len(errs) > 0 {
		return &ValidationError{Path: c.path, Errors: errs}
	}
	return nil
}
