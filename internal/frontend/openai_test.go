package frontend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/ir"
)

func TestParseOpenAIRequest_SystemMessageAndTools(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "description": "look up weather", "parameters": {"type": "object"}}}]
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Name)
}

func TestRenderOpenAIResponse_TextContent(t *testing.T) {
	resp := &ir.Response{
		ID:         "msg_1",
		Model:      "gpt-4o",
		Content:    []ir.ContentBlock{{Kind: ir.BlockText, Text: "hello"}},
		StopReason: string(ir.StopReasonStop),
		Usage:      ir.Usage{InputTokens: 3, OutputTokens: 1},
	}

	body, err := RenderOpenAIResponse(resp)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	choices, ok := out["choices"].([]any)
	require.True(t, ok)
	require.Len(t, choices, 1)
}

func TestRenderOpenAIStreamDone(t *testing.T) {
	assert.Equal(t, []byte("data: [DONE]\n\n"), RenderOpenAIStreamDone())
}
