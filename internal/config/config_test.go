package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_LoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []Provider{
			{
				ID:       "openrouter",
				Name:     "openrouter",
				Protocol: "openai",
				BaseURL:  "https://openrouter.ai/api/v1/chat/completions",
				APIKey:   "test-provider-key",
				Models:   []ModelEntry{{ID: "anthropic/claude-3.5-sonnet"}},
			},
		},
		Groups: []Group{
			{
				Name: DefaultGroupName,
				Routes: []AliasRoute{
					{
						Pattern: "claude-3.5-sonnet",
						Targets: []BackendModelTarget{{ProviderID: "openrouter", Model: "anthropic/claude-3.5-sonnet"}},
					},
				},
			},
		},
	}

	require.NoError(t, manager.Save(cfg), "should be able to save config")
	assert.True(t, manager.Exists(), "config file should exist after saving")

	loaded, err := manager.Load()
	require.NoError(t, err, "should be able to load config")

	assert.Equal(t, cfg.Host, loaded.Host)
	assert.Equal(t, cfg.Port, loaded.Port)
	assert.Equal(t, cfg.APIKey, loaded.APIKey)

	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, "openrouter", loaded.Providers[0].Name)
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", loaded.Providers[0].BaseURL)

	group := loaded.GroupByName(DefaultGroupName)
	require.NotNil(t, group)
	require.Len(t, group.Routes, 1)
	assert.Equal(t, "claude-3.5-sonnet", group.Routes[0].Pattern)
}

func TestConfig_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := &Config{
		Providers: []Provider{{Name: "test", BaseURL: "http://example.com", APIKey: "key"}},
	}

	require.NoError(t, manager.Save(cfg))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, loaded.Port, "should apply default port")
	assert.Equal(t, DefaultHost, loaded.Host, "should apply default host")
	assert.Equal(t, "test", loaded.Providers[0].ID, "should backfill provider id from name")
	assert.NotNil(t, loaded.GroupByName(DefaultGroupName), "should synthesize the default group")
}

func TestConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	configPath := filepath.Join(tmpDir, DefaultYAMLFilename)
	require.NoError(t, os.WriteFile(configPath, []byte("not: [valid"), 0o644))

	_, err := manager.Load()
	assert.Error(t, err, "should get error when loading invalid yaml")
}

func TestConfig_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	_, err := manager.Load()
	assert.Error(t, err, "should get error when loading non-existent file")
	assert.False(t, manager.Exists(), "non-existent config should not exist")
}

func TestConfig_GetWithoutLoad(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := manager.Get()
	assert.NotNil(t, cfg, "should not return nil config")
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
}

func TestProvider_ByID(t *testing.T) {
	cfg := &Config{Providers: []Provider{{ID: "a"}, {ID: "b"}}}
	require.NotNil(t, cfg.ProviderByID("b"))
	assert.Nil(t, cfg.ProviderByID("missing"))
}
