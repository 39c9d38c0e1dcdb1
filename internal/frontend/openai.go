package frontend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aidyou/ccproxy/internal/ir"
)

type openaiWireMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content"`
	ToolCalls  []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type openaiWireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openaiWireRequest struct {
	Model            string              `json:"model"`
	Messages         []openaiWireMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	Temperature      *float64            `json:"temperature"`
	TopP             *float64            `json:"top_p"`
	MaxTokens        *int                `json:"max_tokens"`
	PresencePenalty  *float64            `json:"presence_penalty"`
	FrequencyPenalty *float64            `json:"frequency_penalty"`
	Stop             []string            `json:"stop"`
	Tools            []openaiWireTool    `json:"tools"`
	ToolChoice       any                 `json:"tool_choice"`
}

// ParseOpenAIRequest lowers an OpenAI chat/completions body into the IR.
// Ollama's /api/chat body is close enough to reuse this parser wholesale
// (ParseOllamaRequest calls straight through to it).
func ParseOpenAIRequest(body []byte) (*ir.Request, error) {
	var wire openaiWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("openai: parse request: %w", err)
	}

	req := &ir.Request{
		Model:            wire.Model,
		Stream:           wire.Stream,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		MaxTokens:        wire.MaxTokens,
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
		StopSequences:    wire.Stop,
	}

	for _, m := range wire.Messages {
		if m.Role == "system" {
			if s, ok := m.Content.(string); ok {
				req.System = joinNonEmpty(req.System, s)
				continue
			}
		}
		if m.Role == "tool" {
			req.Messages = append(req.Messages, ir.Message{
				Role:    ir.RoleTool,
				Content: []ir.ContentBlock{{Kind: ir.BlockToolResult, ToolUseResultID: m.ToolCallID, ResultContent: m.Content}},
			})
			continue
		}

		var blocks []ir.ContentBlock
		switch content := m.Content.(type) {
		case string:
			if content != "" {
				blocks = append(blocks, ir.ContentBlock{Kind: ir.BlockText, Text: content})
			}
		case []any:
			for _, raw := range content {
				part, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				blocks = append(blocks, parseOpenAIContentPart(part))
			}
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			blocks = append(blocks, ir.ContentBlock{Kind: ir.BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name, InputJSON: args})
		}

		role := ir.RoleUser
		if m.Role == "assistant" {
			role = ir.RoleAssistant
		}
		req.Messages = append(req.Messages, ir.Message{Role: role, Content: blocks})
	}

	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, ir.Tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}
	req.ToolChoice = parseOpenAIToolChoice(wire.ToolChoice)

	return req, nil
}

func parseOpenAIContentPart(part map[string]any) ir.ContentBlock {
	typ, _ := part["type"].(string)
	switch typ {
	case "image_url":
		urlField, _ := part["image_url"].(map[string]any)
		url, _ := urlField["url"].(string)
		mediaType, data := decodeDataURI(url)
		return ir.ContentBlock{Kind: ir.BlockImage, MediaType: mediaType, DataBase64: data}
	default:
		text, _ := part["text"].(string)
		return ir.ContentBlock{Kind: ir.BlockText, Text: text}
	}
}

// decodeDataURI splits a `data:<mime>;base64,<payload>` URI into its
// media type and raw base64 payload; anything else is passed through as
// an opaque payload with an empty media type so callers still have
// something to forward.
func decodeDataURI(uri string) (mediaType, base64Data string) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", uri
	}
	rest := uri[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi == -1 || comma == -1 || comma < semi {
		return "", uri
	}
	return rest[:semi], rest[comma+1:]
}

func parseOpenAIToolChoice(raw any) ir.ToolChoice {
	switch v := raw.(type) {
	case string:
		switch v {
		case "none":
			return ir.ToolChoice{Mode: ir.ToolChoiceNone}
		case "required":
			return ir.ToolChoice{Mode: ir.ToolChoiceRequired}
		case "auto":
			return ir.ToolChoice{Mode: ir.ToolChoiceAuto}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			name, _ := fn["name"].(string)
			return ir.ToolChoice{Mode: ir.ToolChoiceNamed, Name: name}
		}
	}
	return ir.ToolChoice{}
}

func joinNonEmpty(existing, addition string) string {
	if existing == "" {
		return addition
	}
	if addition == "" {
		return existing
	}
	return existing + "\n\n" + addition
}

// RenderOpenAIResponse lifts a completed IR response into an OpenAI
// chat.completion JSON body.
func RenderOpenAIResponse(resp *ir.Response) ([]byte, error) {
	var textParts []string
	var toolCalls []map[string]any
	for _, b := range resp.Content {
		switch b.Kind {
		case ir.BlockText:
			textParts = append(textParts, b.Text)
		case ir.BlockToolUse:
			args, _ := json.Marshal(b.InputJSON)
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ToolUseID,
				"type": "function",
				"function": map[string]any{
					"name":      b.ToolName,
					"arguments": string(args),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": strings.Join(textParts, "")}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	out := map[string]any{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": renderOpenAIStopReason(resp.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func renderOpenAIStopReason(canonical string) string {
	switch ir.CanonicalStopReason(canonical) {
	case ir.StopReasonLength:
		return "length"
	case ir.StopReasonToolUse:
		return "tool_calls"
	case ir.StopReasonContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// RenderOpenAIStreamChunk lifts one IR stream chunk into an SSE `data:`
// line in chat.completion.chunk shape, or nil when the chunk carries no
// client-visible payload (e.g. a bare ContentBlockStop).
func RenderOpenAIStreamChunk(chunk ir.StreamChunk) []byte {
	delta := map[string]any{}
	switch chunk.Kind {
	case ir.ChunkMessageStart:
		delta["role"] = "assistant"
	case ir.ChunkText:
		delta["content"] = chunk.Delta
	case ir.ChunkToolUseStart:
		delta["tool_calls"] = []map[string]any{{"index": 0, "id": chunk.ToolID, "type": "function", "function": map[string]any{"name": chunk.ToolName}}}
	case ir.ChunkToolUseDelta:
		delta["tool_calls"] = []map[string]any{{"index": 0, "function": map[string]any{"arguments": chunk.Delta}}}
	case ir.ChunkMessageStop:
		event := map[string]any{
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": renderOpenAIStopReason(chunk.StopReason)}},
			"usage": map[string]any{
				"prompt_tokens":     chunk.Usage.InputTokens,
				"completion_tokens": chunk.Usage.OutputTokens,
			},
		}
		return formatOpenAISSE(event)
	default:
		return nil
	}
	return formatOpenAISSE(map[string]any{"choices": []map[string]any{{"index": 0, "delta": delta}}})
}

func formatOpenAISSE(data map[string]any) []byte {
	body, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(body) + "\n\n")
}

// RenderOpenAIStreamDone returns the SSE stream terminator.
func RenderOpenAIStreamDone() []byte { return []byte("data: [DONE]\n\n") }
