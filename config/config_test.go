package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
model:
  provider: "anthropic"
  name: "claude-sonnet-4-20250514"
  api_key: "${CONVERSE_TEST_API_KEY}"
  max_tokens: 2048

database:
  path: "./converse.db"

generation:
  timeout: "90s"
  base_backoff: "500ms"
  max_retries: 3
  streaming: true

tools:
  call_timeout: "10s"

logging:
  level: "debug"
  format: "json"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))
	t.Setenv("CONVERSE_TEST_API_KEY", "sk-test-123")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Model.Name)
	assert.Equal(t, "sk-test-123", cfg.Model.APIKey)
	assert.Equal(t, int64(2048), cfg.Model.MaxTokens)
	assert.Equal(t, "./converse.db", cfg.Database.Path)
	assert.Equal(t, 90*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Generation.BaseBackoff)
	assert.Equal(t, 3, cfg.Generation.MaxRetries)
	assert.True(t, cfg.Generation.Streaming)
	assert.Equal(t, 10*time.Second, cfg.Tools.CallTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_UnsetEnvVarExpandsEmpty(t *testing.T) {
	cfg, err := Parse([]byte(expandEnvVars(`
model:
  provider: "openai"
  name: "gpt-4o-mini"
  api_key: "${CONVERSE_DEFINITELY_UNSET}"
`)))
	require.NoError(t, err)
	assert.Empty(t, cfg.Model.APIKey)
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`
model:
  provider: "openai"
  name: "gpt-4o-mini"
generation:
  timeout: "not-a-duration"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation.timeout")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing provider", func(c *Config) { c.Model.Provider = "" }, "model.provider is required"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "cohere" }, "not supported"},
		{"missing model name", func(c *Config) { c.Model.Name = "" }, "model.name is required"},
		{"negative retries", func(c *Config) { c.Generation.MaxRetries = -1 }, "must not be negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Model: ModelConfig{Provider: "anthropic", Name: "claude"}}
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
