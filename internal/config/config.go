// Package config owns the on-disk configuration for the proxy: provider
// credentials and the alias groups that route a client-facing model name
// to one or more backend targets. A Manager loads it once, hands out
// lock-free reads via atomic.Value, and can hot-swap it in place when the
// file changes on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultGroupName      = "default"
)

// ModelEntry is one model a provider exposes, with any provider-specific
// parameters that don't fit the common sampling-parameter set.
type ModelEntry struct {
	ID           string         `json:"id" yaml:"id"`
	CustomParams map[string]any `json:"custom_params,omitempty" yaml:"custom_params,omitempty"`
}

// Provider is one upstream credential/endpoint pair. APIKey may hold
// several keys separated by newlines; the resolver treats each as a
// distinct, independently-rotated pool member.
type Provider struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Protocol  string         `json:"protocol" yaml:"protocol"` // openai | anthropic | gemini | ollama
	BaseURL   string         `json:"base_url" yaml:"base_url"`
	APIKey    string         `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Models    []ModelEntry   `json:"models,omitempty" yaml:"models,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP      float64        `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK      int            `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// BackendModelTarget names one (provider, model) pair reachable through an
// alias. A single alias pattern may resolve to several targets, in which
// case they're tried round-robin alongside each other's key pools.
type BackendModelTarget struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	Model      string `json:"model" yaml:"model"`
}

// PromptReplacement is one find/replace pair applied before dispatch to
// the system prompt and to every text and thinking block of every
// message. A Key wrapped in "/.../" is a regular expression; any other
// Key is a literal substring.
type PromptReplacement struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// AliasRoute is one entry in a group's alias table: a glob pattern
// (`*`, `?`) mapped to the backend targets it may resolve to, plus the
// policy applied to requests it matches. Groups carry no policy of their
// own; every policy setting lives on a route.
type AliasRoute struct {
	Pattern string               `json:"pattern" yaml:"pattern"`
	Targets []BackendModelTarget `json:"targets" yaml:"targets"`

	PromptInjection         string   `json:"prompt_injection,omitempty" yaml:"prompt_injection,omitempty"` // off | enhance | replace
	PromptInjectionPosition string   `json:"prompt_injection_position,omitempty" yaml:"prompt_injection_position,omitempty"`
	PromptText              string   `json:"prompt_text,omitempty" yaml:"prompt_text,omitempty"`
	InjectionCondition      []string `json:"injection_condition,omitempty" yaml:"injection_condition,omitempty"`

	ToolFilter     []string            `json:"tool_filter,omitempty" yaml:"tool_filter,omitempty"`
	ToolCompatMode *bool               `json:"tool_compat_mode,omitempty" yaml:"tool_compat_mode,omitempty"`
	PromptReplace  []PromptReplacement `json:"prompt_replace,omitempty" yaml:"prompt_replace,omitempty"`
	TempRatio      float64             `json:"temp_ratio,omitempty" yaml:"temp_ratio,omitempty"`
}

// Group is a named bundle of alias routes, mirroring a proxy "profile"
// (default, think, background, ...). Routes are matched in order, so more
// specific patterns should be listed before broader wildcard fallbacks.
type Group struct {
	Name   string       `json:"name" yaml:"name"`
	Routes []AliasRoute `json:"routes" yaml:"routes"`
}

// Config is the whole on-disk document.
type Config struct {
	Host      string     `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int        `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey    string     `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Providers []Provider `json:"providers" yaml:"providers"`
	Groups    []Group    `json:"groups" yaml:"groups"`
}

// GroupByName returns the group with the given name, or nil if none has
// it. An empty name selects DefaultGroupName; any other unknown name is
// not redirected to the default group.
func (c *Config) GroupByName(name string) *Group {
	if name == "" {
		name = DefaultGroupName
	}
	for i := range c.Groups {
		if c.Groups[i].Name == name {
			return &c.Groups[i]
		}
	}
	return nil
}

// ProviderByID returns the provider with the given id, or nil.
func (c *Config) ProviderByID(id string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// Manager owns the config file(s) on disk and the live, atomically
// swappable in-memory Config every request reads through.
type Manager struct {
	baseDir  string
	jsonPath string
	yamlPath string

	value atomic.Value

	watcher *fsnotify.Watcher
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	var cfg Config
	var err error

	switch {
	case fileExists(m.yamlPath):
		cfg, err = m.loadYAML()
	case fileExists(m.jsonPath):
		cfg, err = m.loadJSON()
	default:
		return nil, fmt.Errorf("no configuration file found (looked for %s or %s)", m.yamlPath, m.jsonPath)
	}
	if err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	m.value.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) loadYAML() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(m.yamlPath)
	if err != nil {
		return cfg, fmt.Errorf("read yaml config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal yaml config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) loadJSON() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(m.jsonPath)
	if err != nil {
		return cfg, fmt.Errorf("read json config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal json config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.GroupByName(DefaultGroupName) == nil {
		cfg.Groups = append(cfg.Groups, Group{Name: DefaultGroupName})
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.ID == "" {
			p.ID = p.Name
		}
	}
}

// Get returns the current config, loading it from disk on first access.
func (m *Manager) Get() *Config {
	if v := m.value.Load(); v != nil {
		return v.(*Config)
	}
	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml config: %w", err)
	}
	if err := os.WriteFile(m.yamlPath, data, 0o644); err != nil {
		return fmt.Errorf("write yaml config: %w", err)
	}
	m.value.Store(cfg)
	return nil
}

func (m *Manager) GetYAMLPath() string { return m.yamlPath }
func (m *Manager) GetJSONPath() string { return m.jsonPath }

func (m *Manager) Exists() bool {
	return fileExists(m.yamlPath) || fileExists(m.jsonPath)
}

// Watch starts an fsnotify watch on the config directory and reloads the
// in-memory config whenever the active file is written. It returns
// immediately; the watch loop runs until the returned stop func is called
// or the process exits.
func (m *Manager) Watch(onReload func(*Config, error)) (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(m.baseDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != m.yamlPath && ev.Name != m.jsonPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, loadErr := m.Load()
				if onReload != nil {
					onReload(cfg, loadErr)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w.Close, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
