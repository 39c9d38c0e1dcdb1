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

func TestAnthropicAdapter_AdaptRequest_SystemAndMaxTokensDefault(t *testing.T) {
	a := NewAnthropicAdapter()
	req := &ir.Request{
		Model:  "claude-3-opus",
		System: "be terse",
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "hi"}}},
		},
	}

	body, err := a.AdaptRequest(req)
	require.NoError(t, err)

	var out anthropicRequest
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "be terse", out.System)
	assert.Equal(t, 4096, out.MaxTokens)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
}

func TestAnthropicAdapter_toAnthropicMessage_MixedBlocksStaySingleMessage(t *testing.T) {
	m := ir.Message{
		Role: ir.RoleAssistant,
		Content: []ir.ContentBlock{
			{Kind: ir.BlockText, Text: "let me check"},
			{Kind: ir.BlockToolUse, ToolUseID: "t1", ToolName: "get_weather", InputJSON: map[string]any{"city": "ny"}},
		},
	}

	out := toAnthropicMessage(m)

	require.Len(t, out.Content, 2)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "tool_use", out.Content[1].Type)
	assert.Equal(t, "get_weather", out.Content[1].Name)
}

func TestAnthropicAdapter_AdaptResponse(t *testing.T) {
	a := NewAnthropicAdapter()
	body := []byte(`{
		"id": "msg_1",
		"model": "claude-3-opus",
		"content": [{"type":"text","text":"hi there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 3}
	}`)

	resp, err := a.AdaptResponse(body, false)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi there", resp.Content[0].Text)
	assert.Equal(t, string(ir.StopReasonStop), resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestAnthropicAdapter_AdaptResponse_ToolCompatModeScansXMLText(t *testing.T) {
	a := NewAnthropicAdapter()
	span := toolcompat.TagOpen + "<n>get_weather</n><params>" +
		`<param name="city" value="ny"/>` + "</params>" + toolcompat.TagClose
	body, err := json.Marshal(map[string]any{
		"id":          "msg_1",
		"model":       "claude-3-opus",
		"content":     []map[string]any{{"type": "text", "text": span}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": 3},
	})
	require.NoError(t, err)

	resp, err := a.AdaptResponse(body, true)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, ir.BlockToolUse, resp.Content[0].Kind)
	assert.Equal(t, "get_weather", resp.Content[0].ToolName)
	assert.Equal(t, "ny", resp.Content[0].InputJSON["city"])
}

func TestAnthropicAdapter_AdaptStreamChunk_ToolCompatModeScansTextDelta(t *testing.T) {
	a := NewAnthropicAdapter()
	sess := streamstate.New("", "", true)

	start := []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`)
	events, err := a.AdaptStreamChunk(start, sess)
	require.NoError(t, err)
	assert.Empty(t, events, "tool-compat mode reconstructs block framing from scanned content")

	span := toolcompat.TagOpen + "<n>get_weather</n><params>" +
		`<param name="city" value="ny"/>` + "</params>" + toolcompat.TagClose
	deltaPayload, err := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": span},
	})
	require.NoError(t, err)

	events, err = a.AdaptStreamChunk(deltaPayload, sess)
	require.NoError(t, err)

	var sawToolCall bool
	for _, ev := range events {
		if ev.Kind == ir.ChunkToolUseStart {
			sawToolCall = true
			assert.Equal(t, "get_weather", ev.ToolName)
		}
	}
	assert.True(t, sawToolCall, "expected a tool call to be scanned out of the text delta")
}

func TestAnthropicAdapter_AdaptStreamChunk_ToolUseSequence(t *testing.T) {
	a := NewAnthropicAdapter()
	sess := streamstate.New("", "", false)

	start := []byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-opus"}}`)
	events, err := a.AdaptStreamChunk(start, sess)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ir.ChunkMessageStart, events[0].Kind)

	blockStart := []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"get_weather"}}`)
	events, err = a.AdaptStreamChunk(blockStart, sess)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ir.ChunkToolUseStart, events[1].Kind)

	delta := []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`)
	events, err = a.AdaptStreamChunk(delta, sess)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ir.ChunkToolUseDelta, events[0].Kind)

	stop := []byte(`{"type":"content_block_stop","index":0}`)
	events, err = a.AdaptStreamChunk(stop, sess)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ir.ChunkToolUseEnd, events[0].Kind)
	assert.Equal(t, ir.ChunkContentBlockStop, events[1].Kind)

	msgDelta := []byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`)
	events, err = a.AdaptStreamChunk(msgDelta, sess)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(ir.StopReasonToolUse), events[0].StopReason)
}
