package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
)

func TestOllamaAdapter_AdaptRequest_ToolsFoldIntoSystemPrompt(t *testing.T) {
	a := NewOllamaAdapter()
	req := &ir.Request{
		Model: "llama3",
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "hi"}}},
		},
		Tools: []ir.Tool{{Name: "get_weather"}},
	}

	body, err := a.AdaptRequest(req)
	require.NoError(t, err)

	var out ollamaRequest
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Contains(t, out.Messages[0].Content, "get_weather")
}

func TestOllamaAdapter_toOllamaMessage_ToolUseRendersAsXML(t *testing.T) {
	m := ir.Message{
		Role:    ir.RoleAssistant,
		Content: []ir.ContentBlock{{Kind: ir.BlockToolUse, ToolName: "get_weather", InputJSON: map[string]any{"city": "ny"}}},
	}

	out := toOllamaMessage(m)

	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "get_weather")
	assert.Contains(t, out[0].Content, "<cs:tool_use>")
}

func TestOllamaAdapter_AdaptResponse_PlainText(t *testing.T) {
	a := NewOllamaAdapter()
	body := []byte(`{"model":"llama3","message":{"content":"hi there"},"done":true,"done_reason":"stop","eval_count":3,"prompt_eval_count":10}`)

	resp, err := a.AdaptResponse(body, true)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi there", resp.Content[0].Text)
	assert.Equal(t, string(ir.StopReasonStop), resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestOllamaAdapter_AdaptStreamChunk_TextThenDone(t *testing.T) {
	a := NewOllamaAdapter()
	sess := streamstate.New("", "", true)

	chunk := []byte(`{"model":"llama3","message":{"content":"hel"},"done":false}`)
	events, err := a.AdaptStreamChunk(chunk, sess)
	require.NoError(t, err)
	require.True(t, sess.MessageStart)
	assert.Equal(t, ir.ChunkMessageStart, events[0].Kind)

	final := []byte(`{"model":"llama3","message":{"content":"lo"},"done":true,"done_reason":"stop","eval_count":2,"prompt_eval_count":5}`)
	events, err = a.AdaptStreamChunk(final, sess)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, ir.ChunkMessageStop, last.Kind)
	assert.Equal(t, string(ir.StopReasonStop), last.StopReason)
}
