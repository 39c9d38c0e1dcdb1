package frontend

import (
	"encoding/json"
	"fmt"

	"github.com/aidyou/ccproxy/internal/ir"
)

type geminiWirePart struct {
	Text         string         `json:"text,omitempty"`
	InlineData   map[string]any `json:"inlineData,omitempty"`
	FunctionCall map[string]any `json:"functionCall,omitempty"`
	FunctionResp map[string]any `json:"functionResponse,omitempty"`
}

type geminiWireContent struct {
	Role  string           `json:"role"`
	Parts []geminiWirePart `json:"parts"`
}

type geminiWireFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type geminiWireTool struct {
	FunctionDeclarations []geminiWireFunctionDecl `json:"functionDeclarations"`
}

type geminiWireGenConfig struct {
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"topP"`
	TopK             *int     `json:"topK"`
	MaxOutputTokens  *int     `json:"maxOutputTokens"`
	StopSequences    []string `json:"stopSequences"`
	ResponseMIMEType string   `json:"responseMimeType"`
}

type geminiWireRequest struct {
	Contents          []geminiWireContent  `json:"contents"`
	SystemInstruction *geminiWireContent   `json:"systemInstruction"`
	GenerationConfig  *geminiWireGenConfig `json:"generationConfig"`
	Tools             []geminiWireTool     `json:"tools"`
}

// ParseGeminiRequest lowers a Gemini generateContent body into the IR.
// Gemini carries the model name in the URL path rather than the body, so
// the caller (dispatch, having parsed it out of the route) supplies it.
func ParseGeminiRequest(body []byte, model string) (*ir.Request, error) {
	var wire geminiWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("gemini: parse request: %w", err)
	}

	req := &ir.Request{Model: model}
	if wire.SystemInstruction != nil {
		for _, p := range wire.SystemInstruction.Parts {
			req.System = joinNonEmpty(req.System, p.Text)
		}
	}
	if wire.GenerationConfig != nil {
		gc := wire.GenerationConfig
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.TopK = gc.TopK
		req.MaxTokens = gc.MaxOutputTokens
		req.StopSequences = gc.StopSequences
		req.ResponseMIMEType = gc.ResponseMIMEType
	}

	for _, c := range wire.Contents {
		role := ir.RoleUser
		if c.Role == "model" {
			role = ir.RoleAssistant
		}
		var blocks []ir.ContentBlock
		for _, p := range c.Parts {
			blocks = append(blocks, fromGeminiWirePart(p))
		}
		req.Messages = append(req.Messages, ir.Message{Role: role, Content: blocks})
	}

	for _, t := range wire.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, ir.Tool{Name: fd.Name, Description: fd.Description, InputSchema: fd.Parameters})
		}
	}

	return req, nil
}

func fromGeminiWirePart(p geminiWirePart) ir.ContentBlock {
	switch {
	case p.FunctionCall != nil:
		name, _ := p.FunctionCall["name"].(string)
		args, _ := p.FunctionCall["args"].(map[string]any)
		return ir.ContentBlock{Kind: ir.BlockToolUse, ToolName: name, InputJSON: args}
	case p.FunctionResp != nil:
		name, _ := p.FunctionResp["name"].(string)
		resp := p.FunctionResp["response"]
		return ir.ContentBlock{Kind: ir.BlockToolResult, ToolUseResultID: name, ResultContent: resp}
	case p.InlineData != nil:
		mediaType, _ := p.InlineData["mimeType"].(string)
		data, _ := p.InlineData["data"].(string)
		return ir.ContentBlock{Kind: ir.BlockImage, MediaType: mediaType, DataBase64: data}
	default:
		return ir.ContentBlock{Kind: ir.BlockText, Text: p.Text}
	}
}

// RenderGeminiResponse lifts a completed IR response into a Gemini
// generateContent JSON body.
func RenderGeminiResponse(resp *ir.Response) ([]byte, error) {
	var parts []map[string]any
	for _, b := range resp.Content {
		switch b.Kind {
		case ir.BlockToolUse:
			parts = append(parts, map[string]any{"functionCall": map[string]any{"name": b.ToolName, "args": b.InputJSON}})
		default:
			parts = append(parts, map[string]any{"text": b.Text})
		}
	}

	out := map[string]any{
		"responseId":   resp.ID,
		"modelVersion": resp.Model,
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": renderGeminiFinishReason(resp.StopReason),
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func renderGeminiFinishReason(canonical string) string {
	switch ir.CanonicalStopReason(canonical) {
	case ir.StopReasonLength:
		return "MAX_TOKENS"
	case ir.StopReasonContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// RenderGeminiStreamChunk lifts one IR stream chunk into a Gemini SSE
// `data:` line carrying a partial generateContent response, or nil when
// the chunk has no client-visible payload.
func RenderGeminiStreamChunk(chunk ir.StreamChunk) []byte {
	var part map[string]any
	switch chunk.Kind {
	case ir.ChunkText:
		part = map[string]any{"text": chunk.Delta}
	case ir.ChunkToolUseDelta:
		var args map[string]any
		_ = json.Unmarshal([]byte(chunk.Delta), &args)
		part = map[string]any{"functionCall": map[string]any{"name": chunk.ToolName, "args": args}}
	case ir.ChunkMessageStop:
		out := map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{}},
				"finishReason": renderGeminiFinishReason(chunk.StopReason),
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     chunk.Usage.InputTokens,
				"candidatesTokenCount": chunk.Usage.OutputTokens,
			},
		}
		return formatGeminiSSE(out)
	default:
		return nil
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"role": "model", "parts": []map[string]any{part}},
		}},
	}
	return formatGeminiSSE(out)
}

func formatGeminiSSE(data map[string]any) []byte {
	body, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(body) + "\n\n")
}
