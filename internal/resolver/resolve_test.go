package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.Provider{
			{ID: "openai-a", Name: "openai-a", Protocol: "openai", BaseURL: "https://a.example.com", APIKey: "key-a1\nkey-a2"},
			{ID: "openai-b", Name: "openai-b", Protocol: "openai", BaseURL: "https://b.example.com", APIKey: "key-b1"},
			{ID: "local-ollama", Name: "local-ollama", Protocol: "ollama", BaseURL: "http://localhost:11434"},
		},
		Groups: []config.Group{
			{
				Name: config.DefaultGroupName,
				Routes: []config.AliasRoute{
					{
						Pattern: "claude-*",
						Targets: []config.BackendModelTarget{
							{ProviderID: "openai-a", Model: "gpt-4o"},
							{ProviderID: "openai-b", Model: "gpt-4o-mini"},
						},
						PromptInjection: "enhance",
						PromptText:      "be concise",
					},
					{
						Pattern: "llama-*",
						Targets: []config.BackendModelTarget{
							{ProviderID: "local-ollama", Model: "llama3"},
						},
					},
				},
			},
		},
	}
}

func TestResolve_KeyCentricPoolNotMultipliedByTargetCount(t *testing.T) {
	cfg := testConfig()
	r := New(NewRotator())

	seen := map[string]int{}
	for i := 0; i < 30; i++ {
		pm, err := r.Resolve(cfg, "", "claude-3.5-sonnet")
		require.NoError(t, err)
		seen[pm.APIKey]++
	}

	// openai-a contributes 2 keys, openai-b contributes 1 key: traffic
	// should split roughly 2:1 by key count, not by target count (which
	// would also be 2:1 here, so this asserts the invariant on a case
	// that would also pass the buggy implementation — the key count
	// assertion below is what actually distinguishes them).
	assert.Equal(t, 3, len(seen), "expected exactly 3 distinct physical keys to rotate through")
	assert.Contains(t, seen, "key-a1")
	assert.Contains(t, seen, "key-a2")
	assert.Contains(t, seen, "key-b1")
}

func TestResolve_OllamaBypassesKeyPool(t *testing.T) {
	cfg := testConfig()
	r := New(NewRotator())

	pm, err := r.Resolve(cfg, "", "llama-3-70b")
	require.NoError(t, err)

	assert.Equal(t, "ollama", pm.Protocol)
	assert.Empty(t, pm.APIKey)
	assert.Equal(t, "llama3", pm.Model)
}

func TestResolve_UnknownAliasReturnsNotFound(t *testing.T) {
	cfg := testConfig()
	r := New(NewRotator())

	_, err := r.Resolve(cfg, "", "gpt-5-unknown")
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestResolve_PromptInjectionWrappedInDialectTag(t *testing.T) {
	cfg := testConfig()
	r := New(NewRotator())

	pm, err := r.Resolve(cfg, "", "claude-3-opus")
	require.NoError(t, err)

	assert.Equal(t, "enhance", string(pm.PromptInjection))
	assert.Contains(t, pm.PromptText, "<cs:behavioral-guidelines>")
	assert.Contains(t, pm.PromptText, "be concise")
}

func TestResolveDirect_SingleKeyNoRotation(t *testing.T) {
	cfg := testConfig()
	r := New(NewRotator())

	pm, err := r.ResolveDirect(cfg, "openai-b", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "key-b1", pm.APIKey)
}

func TestResolveDirect_MultiKeyRotatesUnderDedicatedNamespace(t *testing.T) {
	cfg := testConfig()
	r := New(NewRotator())

	first, err := r.ResolveDirect(cfg, "openai-a", "gpt-4o")
	require.NoError(t, err)
	second, err := r.ResolveDirect(cfg, "openai-a", "gpt-4o")
	require.NoError(t, err)

	assert.NotEqual(t, first.APIKey, second.APIKey)
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "short", RedactKey("short"))
	assert.Equal(t, "ijklmnop", RedactKey("abcdefghijklmnop"))
}
