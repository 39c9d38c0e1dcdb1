package frontend

import (
	"encoding/json"
	"fmt"

	"github.com/aidyou/ccproxy/internal/ir"
)

type anthropicWireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Source    map[string]any `json:"source"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   any            `json:"content"`
	IsError   bool           `json:"is_error"`
}

type anthropicWireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicWireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicWireRequest struct {
	Model         string                 `json:"model"`
	System        any                    `json:"system"`
	Messages      []anthropicWireMessage `json:"messages"`
	Stream        bool                   `json:"stream"`
	Temperature   *float64               `json:"temperature"`
	TopP          *float64               `json:"top_p"`
	TopK          *int                   `json:"top_k"`
	MaxTokens     *int                   `json:"max_tokens"`
	StopSequences []string               `json:"stop_sequences"`
	Tools         []anthropicWireTool    `json:"tools"`
	ToolChoice    any                    `json:"tool_choice"`
}

// ParseAnthropicRequest lowers a Claude Messages API body into the IR.
func ParseAnthropicRequest(body []byte) (*ir.Request, error) {
	var wire anthropicWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: parse request: %w", err)
	}

	req := &ir.Request{
		Model:         wire.Model,
		Stream:        wire.Stream,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		TopK:          wire.TopK,
		MaxTokens:     wire.MaxTokens,
		StopSequences: wire.StopSequences,
	}
	if s, ok := wire.System.(string); ok {
		req.System = s
	}

	for _, m := range wire.Messages {
		role := ir.RoleUser
		if m.Role == "assistant" {
			role = ir.RoleAssistant
		}

		var blocks []ir.ContentBlock
		switch content := m.Content.(type) {
		case string:
			if content != "" {
				blocks = append(blocks, ir.ContentBlock{Kind: ir.BlockText, Text: content})
			}
		case []any:
			for _, raw := range content {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				data, _ := json.Marshal(m)
				var wb anthropicWireBlock
				if err := json.Unmarshal(data, &wb); err != nil {
					continue
				}
				blocks = append(blocks, fromAnthropicWireBlock(wb))
			}
		}
		req.Messages = append(req.Messages, ir.Message{Role: role, Content: blocks})
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, ir.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	req.ToolChoice = parseAnthropicToolChoice(wire.ToolChoice)

	return req, nil
}

func fromAnthropicWireBlock(b anthropicWireBlock) ir.ContentBlock {
	switch b.Type {
	case "tool_use":
		return ir.ContentBlock{Kind: ir.BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, InputJSON: b.Input}
	case "tool_result":
		return ir.ContentBlock{Kind: ir.BlockToolResult, ToolUseResultID: b.ToolUseID, ResultContent: b.Content, IsError: b.IsError}
	case "image":
		mediaType, _ := b.Source["media_type"].(string)
		data, _ := b.Source["data"].(string)
		return ir.ContentBlock{Kind: ir.BlockImage, MediaType: mediaType, DataBase64: data}
	case "thinking":
		return ir.ContentBlock{Kind: ir.BlockThinking, Text: b.Text}
	default:
		return ir.ContentBlock{Kind: ir.BlockText, Text: b.Text}
	}
}

func parseAnthropicToolChoice(raw any) ir.ToolChoice {
	m, ok := raw.(map[string]any)
	if !ok {
		return ir.ToolChoice{}
	}
	switch t, _ := m["type"].(string); t {
	case "auto":
		return ir.ToolChoice{Mode: ir.ToolChoiceAuto}
	case "any":
		return ir.ToolChoice{Mode: ir.ToolChoiceRequired}
	case "tool":
		name, _ := m["name"].(string)
		return ir.ToolChoice{Mode: ir.ToolChoiceNamed, Name: name}
	default:
		return ir.ToolChoice{}
	}
}

// RenderAnthropicResponse lifts a completed IR response into a Claude
// Messages API JSON body.
func RenderAnthropicResponse(resp *ir.Response) ([]byte, error) {
	var content []map[string]any
	for _, b := range resp.Content {
		switch b.Kind {
		case ir.BlockToolUse:
			content = append(content, map[string]any{"type": "tool_use", "id": b.ToolUseID, "name": b.ToolName, "input": b.InputJSON})
		case ir.BlockThinking:
			content = append(content, map[string]any{"type": "thinking", "thinking": b.Text})
		default:
			content = append(content, map[string]any{"type": "text", "text": b.Text})
		}
	}

	out := map[string]any{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     content,
		"stop_reason": renderAnthropicStopReason(resp.StopReason),
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func renderAnthropicStopReason(canonical string) string {
	switch ir.CanonicalStopReason(canonical) {
	case ir.StopReasonLength:
		return "max_tokens"
	case ir.StopReasonToolUse:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// RenderAnthropicStreamEvent lifts one IR stream chunk into an SSE
// named-event pair in Claude's wire shape, or nil for chunks with no
// client-visible payload.
func RenderAnthropicStreamEvent(chunk ir.StreamChunk) []byte {
	switch chunk.Kind {
	case ir.ChunkMessageStart:
		return formatAnthropicSSE("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": chunk.MessageID, "type": "message", "role": "assistant", "model": chunk.Model,
				"content": []any{}, "stop_reason": nil, "stop_sequence": nil,
				"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
	case ir.ChunkContentBlockStart:
		header := map[string]any{"type": chunk.Block.Type}
		if chunk.Block.Type == "tool_use" {
			header["id"] = chunk.Block.ID
			header["name"] = chunk.Block.Name
			header["input"] = map[string]any{}
		} else {
			header["text"] = ""
		}
		return formatAnthropicSSE("content_block_start", map[string]any{"type": "content_block_start", "index": chunk.Index, "content_block": header})
	case ir.ChunkText:
		return formatAnthropicSSE("content_block_delta", map[string]any{"type": "content_block_delta", "index": chunk.Index, "delta": map[string]any{"type": "text_delta", "text": chunk.Delta}})
	case ir.ChunkThinking:
		return formatAnthropicSSE("content_block_delta", map[string]any{"type": "content_block_delta", "index": chunk.Index, "delta": map[string]any{"type": "thinking_delta", "thinking": chunk.Delta}})
	case ir.ChunkToolUseDelta:
		return formatAnthropicSSE("content_block_delta", map[string]any{"type": "content_block_delta", "index": chunk.Index, "delta": map[string]any{"type": "input_json_delta", "partial_json": chunk.Delta}})
	case ir.ChunkContentBlockStop:
		return formatAnthropicSSE("content_block_stop", map[string]any{"type": "content_block_stop", "index": chunk.Index})
	case ir.ChunkMessageStop:
		delta := formatAnthropicSSE("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": renderAnthropicStopReason(chunk.StopReason), "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": chunk.Usage.OutputTokens},
		})
		stop := formatAnthropicSSE("message_stop", map[string]any{"type": "message_stop"})
		return append(delta, stop...)
	default:
		return nil
	}
}

func formatAnthropicSSE(event string, data map[string]any) []byte {
	body, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return []byte("event: " + event + "\ndata: " + string(body) + "\n\n")
}
