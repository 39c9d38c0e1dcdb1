// Package resolver implements alias resolution and API-key rotation
// (spec.md §4.6): turning a client-facing model alias into a concrete
// (provider, model, API key) triple, with weighted round-robin rotation
// across every physical key behind the matched alias.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/aidyou/ccproxy/internal/config"
	"github.com/aidyou/ccproxy/internal/ir"
)

// ProxyModel is the fully-resolved outcome of one alias lookup: which
// upstream to call, with which credential and model name, and which
// per-alias policy to layer on top of the request.
type ProxyModel struct {
	ClientAlias string
	ProviderID  string
	ProviderName string
	Protocol    string
	BaseURL     string
	Model       string
	APIKey      string

	CustomParams map[string]any

	PromptInjection         ir.PromptInjectionMode
	PromptInjectionPosition ir.PromptInjectionPosition
	PromptText              string

	ToolFilter     map[string]struct{}
	ToolCompatMode *bool
	PromptReplace  []config.PromptReplacement
	TempRatio      float64

	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	TopK             *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	StopSequences    []string
}

// Resolver ties a live configuration source to a single shared Rotator.
type Resolver struct {
	rotator *Rotator
}

func New(rotator *Rotator) *Resolver {
	return &Resolver{rotator: rotator}
}

// Resolve maps (groupName, alias) to a ProxyModel, rebuilding the
// composite key's rotation pool from the current config before
// selecting from it, so a hot config reload takes effect on the very
// next request.
func (r *Resolver) Resolve(cfg *config.Config, groupName, alias string) (*ProxyModel, error) {
	group := cfg.GroupByName(groupName)
	if groupName == "" {
		groupName = config.DefaultGroupName
	}

	route, matched, err := matchRoute(group, alias)
	if err != nil {
		return nil, err
	}
	if len(route.Targets) == 0 {
		return nil, fmt.Errorf("%w: alias %q", ErrNoBackendTargets, alias)
	}

	compositeKey := groupName + "/" + matched

	if err := r.rebuildPool(cfg, compositeKey, route.Targets); err != nil {
		return nil, err
	}

	// Ollama carries no API key and so never goes through the key pool
	// at all; detect it off the route's first target's provider, without
	// consuming a rotator tick that the non-Ollama path would otherwise
	// discard.
	firstProvider := cfg.ProviderByID(route.Targets[0].ProviderID)
	if firstProvider == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, route.Targets[0].ProviderID)
	}

	if strings.EqualFold(firstProvider.Protocol, "ollama") {
		targetIdx := r.rotator.NextIndex(compositeKey, len(route.Targets))
		target := route.Targets[targetIdx]

		provider := cfg.ProviderByID(target.ProviderID)
		if provider == nil {
			return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, target.ProviderID)
		}

		pm := newProxyModel(alias, route, matched, provider)
		pm.Model = target.Model
		pm.APIKey = ""
		applyModelEntryParams(pm, provider, target.Model)
		return pm, nil
	}

	key, ok := r.rotator.NextGlobalKey(compositeKey)
	if !ok {
		return nil, fmt.Errorf("%w: composite key %q", ErrNoKeysAvailable, compositeKey)
	}

	resolvedProvider := cfg.ProviderByID(key.ProviderID)
	if resolvedProvider == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, key.ProviderID)
	}
	pm := newProxyModel(alias, route, matched, resolvedProvider)
	pm.Model = key.Model
	pm.APIKey = key.Key
	pm.BaseURL = firstNonEmpty(key.BaseURL, resolvedProvider.BaseURL)
	applyModelEntryParams(pm, resolvedProvider, key.Model)

	if pm.BaseURL == "" {
		return nil, fmt.Errorf("%w: provider %q", ErrEmptyBaseURL, resolvedProvider.ID)
	}
	return pm, nil
}

// ResolveDirect resolves a (provider, model) pair that bypasses alias
// matching entirely — used for internal calls the proxy issues on its
// own behalf rather than on a client's. A provider with more than one
// key still rotates, under a dedicated composite key namespaced by
// provider id so it never collides with a client-facing alias.
func (r *Resolver) ResolveDirect(cfg *config.Config, providerID, model string) (*ProxyModel, error) {
	provider := cfg.ProviderByID(providerID)
	if provider == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, providerID)
	}

	keys := splitKeys(provider.APIKey)
	var selected string
	switch len(keys) {
	case 0:
		selected = ""
	case 1:
		selected = keys[0]
	default:
		compositeKey := "internal_provider_key_rotation/" + providerID
		idx := r.rotator.NextIndex(compositeKey, len(keys))
		selected = keys[idx]
	}

	pm := &ProxyModel{
		ClientAlias:             model,
		ProviderID:              provider.ID,
		ProviderName:            provider.Name,
		Protocol:                provider.Protocol,
		BaseURL:                 provider.BaseURL,
		Model:                   model,
		APIKey:                  selected,
		PromptInjection:         ir.PromptInjectionOff,
		PromptInjectionPosition: ir.PromptInjectionPositionSystem,
		ToolFilter:              map[string]struct{}{},
		TempRatio:               1.0,
	}
	applyModelEntryParams(pm, provider, model)
	return pm, nil
}

func newProxyModel(alias string, route config.AliasRoute, matched string, provider *config.Provider) *ProxyModel {
	pm := &ProxyModel{
		ClientAlias:  alias,
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		Protocol:     provider.Protocol,
		BaseURL:      provider.BaseURL,

		PromptInjectionPosition: ir.PromptInjectionPositionSystem,
		ToolFilter:              map[string]struct{}{},
		PromptReplace:           route.PromptReplace,
		TempRatio:               1.0,
	}

	injectionEnabled := shouldInjectPrompt(route, alias)
	if injectionEnabled && route.PromptInjection != "" {
		pm.PromptInjection = ir.PromptInjectionMode(route.PromptInjection)
		pm.PromptText = "<cs:behavioral-guidelines>" + route.PromptText + "</cs:behavioral-guidelines>"
	} else {
		pm.PromptInjection = ir.PromptInjectionOff
	}
	if route.PromptInjectionPosition != "" {
		pm.PromptInjectionPosition = ir.PromptInjectionPosition(route.PromptInjectionPosition)
	}

	for _, t := range route.ToolFilter {
		t = strings.TrimSpace(t)
		if t != "" {
			pm.ToolFilter[t] = struct{}{}
		}
	}

	if route.TempRatio != 0 {
		pm.TempRatio = route.TempRatio
	}
	pm.ToolCompatMode = route.ToolCompatMode

	return pm
}

// shouldInjectPrompt evaluates a route's InjectionCondition wildcard list
// against the alias that was actually matched. An empty condition list
// means injection is unconditional whenever PromptInjection is set.
func shouldInjectPrompt(route config.AliasRoute, alias string) bool {
	if route.PromptInjection == "" || route.PromptInjection == "off" {
		return false
	}
	if len(route.InjectionCondition) == 0 {
		return true
	}
	for _, pattern := range route.InjectionCondition {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if g, err := glob.Compile(pattern); err == nil && g.Match(alias) {
			return true
		}
	}
	return false
}

func applyModelEntryParams(pm *ProxyModel, provider *config.Provider, model string) {
	for _, m := range provider.Models {
		if m.ID == model {
			pm.CustomParams = m.CustomParams
			break
		}
	}
	if provider.MaxTokens > 0 {
		mt := provider.MaxTokens
		pm.MaxTokens = &mt
	}
	if provider.TopP > 0 && provider.TopP < 1 {
		tp := provider.TopP
		pm.TopP = &tp
	}
	if provider.TopK > 0 {
		tk := provider.TopK
		pm.TopK = &tk
	}
	if provider.Metadata == nil {
		return
	}
	if v, ok := asFloat(provider.Metadata["temperature"]); ok {
		pm.Temperature = &v
	}
	if v, ok := asFloat(provider.Metadata["presence_penalty"]); ok {
		pm.PresencePenalty = &v
	}
	if v, ok := asFloat(provider.Metadata["frequency_penalty"]); ok {
		pm.FrequencyPenalty = &v
	}
	if v, ok := provider.Metadata["stop"].(string); ok {
		for _, line := range strings.Split(v, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				pm.StopSequences = append(pm.StopSequences, line)
			}
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// matchRoute finds the first route in group whose pattern matches alias,
// returning the matched pattern text alongside it so callers can build a
// rotation composite key that survives dynamic model-id changes within
// the same alias.
func matchRoute(group *config.Group, alias string) (config.AliasRoute, string, error) {
	if group != nil {
		for _, route := range group.Routes {
			g, err := glob.Compile(route.Pattern)
			if err != nil {
				continue
			}
			if g.Match(alias) {
				return route, route.Pattern, nil
			}
		}
	}
	return config.AliasRoute{}, "", fmt.Errorf("%w: %q", ErrAliasNotFound, alias)
}

// rebuildPool groups targets by provider id (never by target, which is
// what caused the historical weight-explosion bug this avoids), splits
// each provider's possibly-multiline APIKey into one pool entry per
// physical key, and assigns each key a model name via a secondary
// round-robin counter so providers with more models than keys still
// cycle through all of them over time.
func (r *Resolver) rebuildPool(cfg *config.Config, compositeKey string, targets []config.BackendModelTarget) error {
	byProvider := map[string][]string{}
	for _, t := range targets {
		byProvider[t.ProviderID] = append(byProvider[t.ProviderID], t.Model)
	}

	providerIDs := make([]string, 0, len(byProvider))
	for id := range byProvider {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)

	var pool []GlobalApiKey
	for _, providerID := range providerIDs {
		provider := cfg.ProviderByID(providerID)
		if provider == nil || strings.TrimSpace(provider.APIKey) == "" {
			continue
		}
		models := byProvider[providerID]
		keys := splitKeys(provider.APIKey)
		if len(keys) == 0 {
			continue
		}

		modelRotKey := compositeKey + ":" + providerID + ":model_rot"
		modelRot := r.rotator.NextIndex(modelRotKey, len(models))

		for i, key := range keys {
			modelIdx := (i + modelRot) % len(models)
			pool = append(pool, GlobalApiKey{
				Key:        key,
				ProviderID: provider.ID,
				BaseURL:    provider.BaseURL,
				Model:      models[modelIdx],
			})
		}
	}

	r.rotator.ReplacePool(compositeKey, pool)
	return nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			keys = append(keys, line)
		}
	}
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// RedactKey returns the last 8 characters of an API key for safe
// logging, matching the convention every log line in this proxy uses so
// a credential never appears whole in application logs.
func RedactKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[len(key)-8:]
}
