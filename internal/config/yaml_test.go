package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_YAML_Support(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	yamlConfig := `
host: "0.0.0.0"
port: 8080
api_key: "test-proxy-key"
providers:
  - id: "openrouter"
    name: "openrouter"
    protocol: "openai"
    api_key: "test-openrouter-key"
    base_url: "https://openrouter.ai/api/v1/chat/completions"
groups:
  - name: "default"
    routes:
      - pattern: "claude-*"
        targets:
          - provider_id: "openrouter"
            model: "anthropic/claude-3.5-sonnet"
`

	yamlPath := filepath.Join(tempDir, DefaultYAMLFilename)
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o644))

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "test-proxy-key", cfg.APIKey)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openrouter", cfg.Providers[0].Name)
	assert.Equal(t, "test-openrouter-key", cfg.Providers[0].APIKey)

	group := cfg.GroupByName("default")
	require.NotNil(t, group)
	require.Len(t, group.Routes, 1)
	assert.Equal(t, "claude-*", group.Routes[0].Pattern)
}

func TestManager_YAML_TakesPrecedenceOverJSON(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	jsonConfig := `{"host": "127.0.0.1", "port": 6970, "providers": [{"id": "openai", "name": "openai", "api_key": "json-key"}]}`
	yamlConfig := `
host: "0.0.0.0"
port: 8080
providers:
  - id: "openrouter"
    name: "openrouter"
    api_key: "yaml-key"
`

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultConfigFilename), []byte(jsonConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultYAMLFilename), []byte(yamlConfig), 0o644))

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "openrouter", cfg.Providers[0].Name)
	assert.Equal(t, "yaml-key", cfg.Providers[0].APIKey)
}

func TestManager_FileDetection(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	assert.False(t, mgr.Exists())

	jsonPath := filepath.Join(tempDir, DefaultConfigFilename)
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"host": "127.0.0.1", "providers": []}`), 0o644))
	assert.True(t, mgr.Exists())

	yamlPath := filepath.Join(tempDir, DefaultYAMLFilename)
	require.NoError(t, os.WriteFile(yamlPath, []byte(`host: "0.0.0.0"`), 0o644))
	assert.True(t, mgr.Exists())
}

func TestManager_Watch_ReloadsOnWrite(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	yamlPath := filepath.Join(tempDir, DefaultYAMLFilename)
	require.NoError(t, os.WriteFile(yamlPath, []byte(`host: "127.0.0.1"`), 0o644))
	_, err := mgr.Load()
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	stop, err := mgr.Watch(func(cfg *Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(yamlPath, []byte(`host: "0.0.0.0"`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "0.0.0.0", cfg.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload notification")
	}
}
