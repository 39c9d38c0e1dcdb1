package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

func TestGeminiAdapter_AdaptRequest_RoleRenamingAndSchema(t *testing.T) {
	a := NewGeminiAdapter()
	req := &ir.Request{
		Model:  "gemini-1.5-pro",
		System: "be terse",
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "hi"}}},
			{Role: ir.RoleAssistant, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "hello"}}},
		},
		Tools: []ir.Tool{{Name: "get_weather", InputSchema: map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}}}},
	}

	body, err := a.AdaptRequest(req)
	require.NoError(t, err)

	var out geminiRequest
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotNil(t, out.SystemInstruction)
	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "OBJECT", out.Tools[0].FunctionDeclarations[0].Parameters["type"])
}

func TestGeminiAdapter_toGeminiContent_ToolUseBecomesFunctionCall(t *testing.T) {
	m := ir.Message{
		Role:    ir.RoleAssistant,
		Content: []ir.ContentBlock{{Kind: ir.BlockToolUse, ToolName: "get_weather", InputJSON: map[string]any{"city": "ny"}}},
	}

	out := toGeminiContent(m)

	require.Len(t, out.Parts, 1)
	require.NotNil(t, out.Parts[0].FunctionCall)
	assert.Equal(t, "get_weather", out.Parts[0].FunctionCall.Name)
}

func TestGeminiAdapter_AdaptResponse_FunctionCall(t *testing.T) {
	a := NewGeminiAdapter()
	body := []byte(`{
		"responseId": "resp1",
		"modelVersion": "gemini-1.5-pro",
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city":"ny"}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 4}
	}`)

	resp, err := a.AdaptResponse(body, false)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, ir.BlockToolUse, resp.Content[0].Kind)
	assert.Equal(t, "get_weather", resp.Content[0].ToolName)
	assert.Equal(t, string(ir.StopReasonStop), resp.StopReason)
}

func TestGeminiAdapter_AdaptResponse_ToolCompatModeScansXMLText(t *testing.T) {
	a := NewGeminiAdapter()
	span := toolcompat.TagOpen + "<n>get_weather</n><params>" +
		`<param name="city" value="ny"/>` + "</params>" + toolcompat.TagClose
	body, err := json.Marshal(map[string]any{
		"responseId":   "resp1",
		"modelVersion": "gemini-1.5-pro",
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": span}}},
			"finishReason": "STOP",
		}},
	})
	require.NoError(t, err)

	resp, err := a.AdaptResponse(body, true)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, ir.BlockToolUse, resp.Content[0].Kind)
	assert.Equal(t, "get_weather", resp.Content[0].ToolName)
	assert.Equal(t, "ny", resp.Content[0].InputJSON["city"])
}

func TestGeminiAdapter_AdaptStreamChunk_ToolCompatModeScansPartText(t *testing.T) {
	a := NewGeminiAdapter()
	sess := streamstate.New("", "", true)

	span := toolcompat.TagOpen + "<n>get_weather</n><params>" +
		`<param name="city" value="ny"/>` + "</params>" + toolcompat.TagClose
	chunk, err := json.Marshal(map[string]any{
		"responseId":   "resp1",
		"modelVersion": "gemini-1.5-pro",
		"candidates": []map[string]any{{
			"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": span}}},
		}},
	})
	require.NoError(t, err)

	events, err := a.AdaptStreamChunk(chunk, sess)
	require.NoError(t, err)

	var sawToolCall bool
	for _, ev := range events {
		if ev.Kind == ir.ChunkToolUseStart {
			sawToolCall = true
			assert.Equal(t, "get_weather", ev.ToolName)
		}
	}
	assert.True(t, sawToolCall, "expected a tool call to be scanned out of the part text")
}

func TestGeminiAdapter_AdaptStreamChunk_FunctionCallIsAtomic(t *testing.T) {
	a := NewGeminiAdapter()
	sess := streamstate.New("", "", false)

	chunk := []byte(`{
		"responseId": "resp1",
		"modelVersion": "gemini-1.5-pro",
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city":"ny"}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 4}
	}`)

	events, err := a.AdaptStreamChunk(chunk, sess)
	require.NoError(t, err)

	var kinds []ir.StreamChunkKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, ir.ChunkMessageStart)
	assert.Contains(t, kinds, ir.ChunkToolUseStart)
	assert.Contains(t, kinds, ir.ChunkToolUseDelta)
	assert.Contains(t, kinds, ir.ChunkToolUseEnd)
	assert.Equal(t, ir.ChunkMessageStop, kinds[len(kinds)-1])
}
