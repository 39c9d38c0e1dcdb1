// Package backend implements one adapter per upstream wire protocol.
// Each adapter lifts a ir.Request into that protocol's outbound JSON,
// lowers a completed response back into ir.Response, and incrementally
// lowers a streamed response into ir.StreamChunk events via a
// streamstate.Session (spec.md §4.4).
package backend

import (
	"strings"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

// Adapter is implemented once per backend wire protocol (openai,
// anthropic, gemini, ollama).
type Adapter interface {
	// Protocol identifies the adapter ("openai", "anthropic", "gemini", "ollama").
	Protocol() string

	// AdaptRequest marshals a unified request into this protocol's
	// outbound JSON body.
	AdaptRequest(req *ir.Request) ([]byte, error)

	// AdaptResponse lowers a non-streaming wire response into the IR.
	// When toolCompatMode is set, any plain model text is scanned for
	// <cs:tool_use> spans and surfaced as structured tool-call blocks.
	AdaptResponse(body []byte, toolCompatMode bool) (*ir.Response, error)

	// AdaptStreamChunk lowers one raw streamed fragment (already split
	// off its SSE/NDJSON framing) into zero or more unified stream
	// chunks, threading state through sess.
	AdaptStreamChunk(raw []byte, sess *streamstate.Session) ([]ir.StreamChunk, error)
}

// canonicalStopReason maps every protocol's native stop/finish reason
// strings onto the IR's canonical set (spec.md §3.1).
func canonicalStopReason(native string) ir.CanonicalStopReason {
	switch native {
	case "stop", "end_turn", "STOP", "complete":
		return ir.StopReasonStop
	case "length", "max_tokens", "MAX_TOKENS":
		return ir.StopReasonLength
	case "tool_calls", "tool_use", "function_call":
		return ir.StopReasonToolUse
	case "content_filter", "SAFETY", "RECITATION":
		return ir.StopReasonContentFilter
	default:
		return ir.StopReasonUnknown
	}
}

// scanToolCompatText runs one complete chunk of model-generated text
// through the tool-compat scanner, turning any <cs:tool_use> span back
// into a structured ToolUse block. Protocols that never natively declare
// tools to the backend in tool-compat mode (OpenAI, Anthropic, Gemini,
// in addition to Ollama which always speaks this dialect) all reuse this
// same non-streaming path.
func scanToolCompatText(text, modelID string) []ir.ContentBlock {
	var blocks []ir.ContentBlock
	sc := toolcompat.NewScanner(streamstate.New("", modelID, true))
	for _, ev := range sc.Feed(text) {
		blocks = append(blocks, eventToBlock(ev))
	}
	for _, ev := range sc.Flush() {
		blocks = append(blocks, eventToBlock(ev))
	}
	return blocks
}

// extractGeminiSchema converts a JSON-Schema-shaped tool parameter
// definition into Gemini's Schema object, which only recognizes a
// handful of keys and a closed type enum.
func extractGeminiSchema(schema map[string]any) map[string]any {
	out := map[string]any{}

	if t, ok := schema["type"].(string); ok {
		out["type"] = geminiSchemaType(t)
	}
	if d, ok := schema["description"].(string); ok {
		out["description"] = d
	}
	if f, ok := schema["format"].(string); ok {
		out["format"] = f
	}
	if p, ok := schema["pattern"].(string); ok {
		out["pattern"] = p
	}
	for _, key := range []string{"minimum", "maximum", "minLength", "maxLength", "minItems", "maxItems"} {
		if v, ok := schema[key]; ok {
			out[key] = v
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		converted := map[string]any{}
		for k, v := range props {
			if propMap, ok := v.(map[string]any); ok {
				converted[k] = extractGeminiSchema(propMap)
			}
		}
		out["properties"] = converted
	}
	if req, ok := schema["required"].([]any); ok {
		out["required"] = req
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out["items"] = extractGeminiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		out["enum"] = enum
	}

	return out
}

// geminiSchemaType canonicalizes a JSON-Schema type name onto Gemini's
// closed type enum, remapping every numeric/integer spelling the pack's
// JSON Schema producers use rather than just upper-casing whatever the
// client sent (which would emit invalid types like "INT32").
func geminiSchemaType(t string) string {
	switch strings.ToLower(t) {
	case "number", "float", "double":
		return "NUMBER"
	case "integer", "int", "int32", "int64", "uint", "uint32", "uint64":
		return "INTEGER"
	case "boolean", "bool":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "string":
		return "STRING"
	default:
		return "STRING"
	}
}
