package dispatch

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/config"
	"github.com/aidyou/ccproxy/internal/resolver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name   string
		pm     *resolver.ProxyModel
		stream bool
		want   string
	}{
		{"openai", &resolver.ProxyModel{Protocol: "openai", BaseURL: "https://api.openai.com/v1"}, false, "https://api.openai.com/v1/chat/completions"},
		{"ollama", &resolver.ProxyModel{Protocol: "ollama", BaseURL: "http://localhost:11434/"}, false, "http://localhost:11434/api/chat"},
		{"anthropic", &resolver.ProxyModel{Protocol: "anthropic", BaseURL: "https://api.anthropic.com/v1"}, true, "https://api.anthropic.com/v1/messages"},
		{"gemini non-stream", &resolver.ProxyModel{Protocol: "gemini", BaseURL: "https://g.example", Model: "gemini-1.5-pro", APIKey: "k1"}, false, "https://g.example/models/gemini-1.5-pro:generateContent?key=k1"},
		{"gemini stream", &resolver.ProxyModel{Protocol: "gemini", BaseURL: "https://g.example", Model: "gemini-1.5-pro", APIKey: "k1"}, true, "https://g.example/models/gemini-1.5-pro:streamGenerateContent?key=k1&alt=sse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildUpstreamURL(tt.pm, tt.stream)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildUpstreamURL_UnknownProtocol(t *testing.T) {
	_, err := buildUpstreamURL(&resolver.ProxyModel{Protocol: "carrier-pigeon"}, false)
	assert.Error(t, err)
}

func TestParseGeminiPath(t *testing.T) {
	model, stream, err := parseGeminiPath("/v1beta/models/gemini-1.5-pro:generateContent")
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", model)
	assert.False(t, stream)

	model, stream, err = parseGeminiPath("/v1beta/models/gemini-1.5-pro:streamGenerateContent")
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", model)
	assert.True(t, stream)

	_, _, err = parseGeminiPath("/v1beta/nope")
	assert.Error(t, err)

	_, _, err = parseGeminiPath("/v1beta/models/gemini-1.5-pro:unknownOp")
	assert.Error(t, err)
}

func TestMergeCustomParams(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","temperature":0.5}`)
	merged, err := mergeCustomParams(body, map[string]any{"temperature": 0.9, "seed": 42})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.Equal(t, 0.9, out["temperature"])
	assert.Equal(t, float64(42), out["seed"])
	assert.Equal(t, "gpt-4o", out["model"])
}

func TestMergeCustomParams_NoCustomParamsIsNoop(t *testing.T) {
	body := []byte(`{"model":"gpt-4o"}`)
	merged, err := mergeCustomParams(body, nil)
	require.NoError(t, err)
	assert.Equal(t, body, merged)
}

func TestRenderClientError_ShapesPerProtocol(t *testing.T) {
	err := newError(KindModelAliasNotFound, http.StatusNotFound, "no route for %q", "foo")

	body, status := renderClientError("openai", err)
	assert.Equal(t, http.StatusNotFound, status)
	var openaiBody map[string]any
	require.NoError(t, json.Unmarshal(body, &openaiBody))
	assert.Contains(t, openaiBody, "error")

	body, status = renderClientError("anthropic", err)
	assert.Equal(t, http.StatusNotFound, status)
	var anthropicBody map[string]any
	require.NoError(t, json.Unmarshal(body, &anthropicBody))
	assert.Equal(t, "error", anthropicBody["type"])

	body, _ = renderClientError("gemini", err)
	var geminiBody map[string]any
	require.NoError(t, json.Unmarshal(body, &geminiBody))
	assert.Contains(t, geminiBody, "error")
}

func TestResolverError_MapsEachKnownSentinel(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{resolver.ErrAliasNotFound, KindModelAliasNotFound},
		{resolver.ErrNoBackendTargets, KindNoBackendTargets},
		{resolver.ErrNoKeysAvailable, KindModelDetailsFetch},
		{resolver.ErrProviderNotFound, KindModelDetailsFetch},
		{resolver.ErrEmptyBaseURL, KindModelDetailsFetch},
	}
	for _, c := range cases {
		got := resolverError(c.err, "alias")
		assert.Equal(t, c.kind, got.Kind)
	}
}

// newTestDispatcher wires a Dispatcher against an in-memory config whose
// single provider points at upstreamURL, so tests never touch the
// network beyond an httptest server on localhost.
func newTestDispatcher(t *testing.T, protocol, upstreamURL string) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	cfgMgr := config.NewManager(dir)
	cfg := &config.Config{
		Host: config.DefaultHost,
		Port: config.DefaultPort,
		Providers: []config.Provider{
			{ID: "p1", Name: "p1", Protocol: protocol, BaseURL: upstreamURL, APIKey: "test-key"},
		},
		Groups: []config.Group{
			{Name: config.DefaultGroupName, Routes: []config.AliasRoute{
				{Pattern: "*", Targets: []config.BackendModelTarget{{ProviderID: "p1", Model: "backend-model"}}},
			}},
		},
	}
	require.NoError(t, cfgMgr.Save(cfg))

	res := resolver.New(resolver.NewRotator())
	return New(cfgMgr, res, discardLogger())
}

func TestDispatcher_AnthropicClient_OpenAIBackend_NonStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "backend-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1",
			"model":"backend-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
		}`))
	}))
	defer ts.Close()

	d := newTestDispatcher(t, "openai", ts.URL)

	reqBody := `{"model":"claude-3-opus-20240229","max_tokens":256,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	d.ServeAnthropic(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	content := resp["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hello", content[0].(map[string]any)["text"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
}

func TestDispatcher_OpenAIClient_OllamaBackend_Streaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		flusher := w.(http.Flusher)
		lines := []string{
			`{"model":"backend-model","message":{"role":"assistant","content":"hi "},"done":false}`,
			`{"model":"backend-model","message":{"role":"assistant","content":"there"},"done":false}`,
			`{"model":"backend-model","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":2,"eval_count":2}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			flusher.Flush()
		}
	}))
	defer ts.Close()

	d := newTestDispatcher(t, "ollama", ts.URL)

	reqBody := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	d.ServeOpenAI(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	// Ollama text always passes through the tool-compat scanner, which
	// holds short fragments until a flush threshold or the end of the
	// stream, so both fragments reach the client as one delta.
	assert.True(t, strings.Contains(out, `"content":"hi there"`))
	assert.True(t, strings.Contains(out, `"finish_reason":"stop"`))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]"))
}

func TestDispatcher_UnknownAlias_RendersClientShapedError(t *testing.T) {
	d := newTestDispatcher(t, "openai", "http://unused.invalid")
	// Empty group has no routes, so no pattern ever matches.
	cfg := d.cfgMgr.Get()
	cfg.Groups = []config.Group{{Name: config.DefaultGroupName}}
	require.NoError(t, d.cfgMgr.Save(cfg))

	reqBody := `{"model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	d.ServeOpenAI(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "error")
}

func TestDispatcher_InternalRoutingHeadersBypassResolver(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","model":"backend-model","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer ts.Close()

	d := newTestDispatcher(t, "openai", ts.URL)

	reqBody := `{"model":"ignored-alias","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	req.Header.Set(headerProviderID, "p1")
	req.Header.Set(headerModelID, "backend-model")
	rec := httptest.NewRecorder()

	d.ServeOpenAI(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	choices := resp["choices"].([]any)
	require.Len(t, choices, 1)
}
