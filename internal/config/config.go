// Package config defines the reconciliation configuration handed to the core.
//
// Configuration is always passed in as an explicit value, never read from
// ambient process state, so runs are reproducible and testable in isolation.
// The CLI layer is responsible for loading files and environment overrides;
// the core only sees the validated struct.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blackroad/roadsync/internal/fingerprint"
)

// ConfigurationError indicates malformed configuration: a bad adapter
// priority list, nonsensical retry settings, and similar. Fatal; nothing
// runs until it is fixed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Config holds everything a reconciliation run needs.
type Config struct {
	// Priority is the adapter authority order, highest first. The order
	// doubles as the conflict tie-break: when versions tie, the entity from
	// the earliest-listed backend wins.
	Priority []string `yaml:"priority"`

	// AlgorithmChain is the fingerprint algorithm chain, applied in order.
	AlgorithmChain []string `yaml:"algorithm_chain"`

	// RetryAttempts is the per entity-adapter write attempt ceiling.
	RetryAttempts int `yaml:"retry_attempts"`

	// BackoffBase is the first retry delay; doubled per attempt up to
	// BackoffCap, with +/- JitterFraction applied.
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	JitterFraction float64       `yaml:"jitter_fraction"`

	// RunDeadline bounds one reconciliation run. Zero means no deadline.
	RunDeadline time.Duration `yaml:"run_deadline"`

	// ReadAttempts bounds an adapter's consistent-read retry loop.
	ReadAttempts int `yaml:"read_attempts"`

	// FanOut scales the apply worker pool: workers = reachable adapters x
	// FanOut.
	FanOut int `yaml:"fan_out"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Priority:       []string{"filestore", "kvstore", "crm"},
		AlgorithmChain: []string{"sha256"},
		RetryAttempts:  3,
		BackoffBase:    200 * time.Millisecond,
		BackoffCap:     5 * time.Second,
		JitterFraction: 0.2,
		RunDeadline:    2 * time.Minute,
		ReadAttempts:   3,
		FanOut:         4,
	}
}

// UnmarshalYAML layers file values over whatever the Config already holds,
// parsing durations from strings ("200ms", "2m"). Absent fields keep their
// current values, so decoding into Default() gives defaults-plus-overrides.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Priority       []string `yaml:"priority"`
		AlgorithmChain []string `yaml:"algorithm_chain"`
		RetryAttempts  *int     `yaml:"retry_attempts"`
		BackoffBase    string   `yaml:"backoff_base"`
		BackoffCap     string   `yaml:"backoff_cap"`
		JitterFraction *float64 `yaml:"jitter_fraction"`
		RunDeadline    string   `yaml:"run_deadline"`
		ReadAttempts   *int     `yaml:"read_attempts"`
		FanOut         *int     `yaml:"fan_out"`
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	if r.Priority != nil {
		c.Priority = r.Priority
	}
	if r.AlgorithmChain != nil {
		c.AlgorithmChain = r.AlgorithmChain
	}
	if r.RetryAttempts != nil {
		c.RetryAttempts = *r.RetryAttempts
	}
	if r.JitterFraction != nil {
		c.JitterFraction = *r.JitterFraction
	}
	if r.ReadAttempts != nil {
		c.ReadAttempts = *r.ReadAttempts
	}
	if r.FanOut != nil {
		c.FanOut = *r.FanOut
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{r.BackoffBase, &c.BackoffBase, "backoff_base"},
		{r.BackoffCap, &c.BackoffCap, "backoff_cap"},
		{r.RunDeadline, &c.RunDeadline, "run_deadline"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return &ConfigurationError{Field: d.name, Reason: fmt.Sprintf("invalid duration %q", d.raw)}
		}
		*d.dst = parsed
	}

	return nil
}

// Load reads a YAML config file, layering it over defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration. Violations return *ConfigurationError
// (or *fingerprint.ConfigurationError for bad algorithm identifiers).
func (c *Config) Validate() error {
	if len(c.Priority) < 2 {
		return &ConfigurationError{Field: "priority", Reason: "at least 2 backends required"}
	}
	seen := make(map[string]bool, len(c.Priority))
	for _, name := range c.Priority {
		if name == "" {
			return &ConfigurationError{Field: "priority", Reason: "backend name cannot be empty"}
		}
		if seen[name] {
			return &ConfigurationError{Field: "priority", Reason: fmt.Sprintf("duplicate backend %q", name)}
		}
		seen[name] = true
	}

	if _, err := fingerprint.New(c.AlgorithmChain...); err != nil {
		return err
	}

	if c.RetryAttempts < 1 {
		return &ConfigurationError{Field: "retry_attempts", Reason: "must be at least 1"}
	}
	if c.BackoffBase <= 0 {
		return &ConfigurationError{Field: "backoff_base", Reason: "must be positive"}
	}
	if c.BackoffCap < c.BackoffBase {
		return &ConfigurationError{Field: "backoff_cap", Reason: "must be >= backoff_base"}
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return &ConfigurationError{Field: "jitter_fraction", Reason: "must be within [0, 1]"}
	}
	if c.RunDeadline < 0 {
		return &ConfigurationError{Field: "run_deadline", Reason: "cannot be negative"}
	}
	if c.ReadAttempts < 2 {
		return &ConfigurationError{Field: "read_attempts", Reason: "must be at least 2"}
	}
	if c.FanOut < 1 {
		return &ConfigurationError{Field: "fan_out", Reason: "must be at least 1"}
	}
	return nil
}

// PriorityIndex returns each backend's authority rank (0 = highest).
func (c *Config) PriorityIndex() map[string]int {
	idx := make(map[string]int, len(c.Priority))
	for i, name := range c.Priority {
		idx[name] = i
	}
	return idx
}
