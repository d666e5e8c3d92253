package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)
	assert.Equal(t, time.Second, cfg.Gateway.BaseDelay())
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout())
	assert.Equal(t, 3, cfg.Orchestrator.Attempts)
	assert.Equal(t, time.Second, cfg.Orchestrator.BaseDelay())
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "PLANFORGE_API_KEY", cfg.Gateway.APIKeyEnv)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
gateway:
  model: local/llama
  max_retries: 5
webhooks:
  - url: http://127.0.0.1:9999/hook
    events: [run.completed]
`))
	require.NoError(t, err)
	assert.Equal(t, "local/llama", cfg.Gateway.Model)
	assert.Equal(t, 5, cfg.Gateway.MaxRetries)
	assert.Equal(t, 1500, cfg.Gateway.MaxTokens)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"run.completed"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{name: "relative_endpoint", yaml: "gateway:\n  endpoint: /chat\n", msg: "config.gateway.endpoint must be an absolute URL"},
		{name: "temperature", yaml: "gateway:\n  temperature: 3\n", msg: "config.gateway.temperature must be between 0 and 2"},
		{name: "retries", yaml: "gateway:\n  max_retries: 0\n", msg: "config.gateway.max_retries must be positive"},
		{name: "attempts", yaml: "orchestrator:\n  attempts: 0\n", msg: "config.orchestrator.attempts must be positive"},
		{name: "base_path", yaml: "server:\n  base_path: v1\n", msg: "config.server.base_path must start with /"},
		{name: "webhook_event", yaml: "webhooks:\n  - url: http://x\n    events: [step.started]\n", msg: "webhook 0 subscribes to unknown event step.started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.yaml))
			require.EqualError(t, err, tt.msg)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway, cfg.Gateway)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("gateway:\n  model: other\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.Gateway.Model)
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("PF_TEST_KEY", "  secret  ")
	g := Default().Gateway
	g.APIKeyEnv = "PF_TEST_KEY"
	assert.Equal(t, "secret", g.APIKey())
}
