// Package config loads engine configuration from YAML files with environment
// variable expansion and duration parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Database   DatabaseConfig   `yaml:"database"`
	Generation GenerationConfig `yaml:"generation"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ModelConfig selects the model provider and credentials.
type ModelConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	// Name is the provider-specific model identifier.
	Name string `yaml:"name"`
	// APIKey authenticates against the provider. Typically supplied as
	// ${ANTHROPIC_API_KEY} or ${OPENAI_API_KEY}.
	APIKey    string `yaml:"api_key"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// DatabaseConfig holds persistence configuration. An empty path selects the
// in-memory store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GenerationConfig holds per-turn generation and recovery tuning.
type GenerationConfig struct {
	Timeout     time.Duration `yaml:"-"`
	BaseBackoff time.Duration `yaml:"-"`
	MaxRetries  int           `yaml:"max_retries"`
	Streaming   bool          `yaml:"streaming"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw     string `yaml:"timeout"`
	BaseBackoffRaw string `yaml:"base_backoff"`
}

// ToolsConfig holds capability invocation tuning.
type ToolsConfig struct {
	CallTimeout time.Duration `yaml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse([]byte(expandEnvVars(string(data))))
}

// Parse unmarshals already-expanded YAML content into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("model.provider is required")
	default:
		return fmt.Errorf("model.provider %q is not supported (use anthropic or openai)", c.Model.Provider)
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}

	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("generation.max_retries must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Generation.TimeoutRaw != "" {
		cfg.Generation.Timeout, err = time.ParseDuration(cfg.Generation.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing generation.timeout %q: %w", cfg.Generation.TimeoutRaw, err)
		}
	}

	if cfg.Generation.BaseBackoffRaw != "" {
		cfg.Generation.BaseBackoff, err = time.ParseDuration(cfg.Generation.BaseBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing generation.base_backoff %q: %w", cfg.Generation.BaseBackoffRaw, err)
		}
	}

	if cfg.Tools.CallTimeoutRaw != "" {
		cfg.Tools.CallTimeout, err = time.ParseDuration(cfg.Tools.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tools.call_timeout %q: %w", cfg.Tools.CallTimeoutRaw, err)
		}
	}

	return nil
}
