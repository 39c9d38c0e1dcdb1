package frontend

import (
	"encoding/json"
	"strings"

	"github.com/aidyou/ccproxy/internal/ir"
)

// ParseOllamaRequest lowers an /api/chat body into the IR. Ollama's wire
// shape for messages and tools is close enough to OpenAI's that the
// OpenAI parser handles it directly.
func ParseOllamaRequest(body []byte) (*ir.Request, error) {
	return ParseOpenAIRequest(body)
}

// RenderOllamaResponse lifts a completed IR response into an /api/chat
// JSON body.
func RenderOllamaResponse(resp *ir.Response) ([]byte, error) {
	var text strings.Builder
	for _, b := range resp.Content {
		if b.Kind == ir.BlockText {
			text.WriteString(b.Text)
		}
	}

	out := map[string]any{
		"model":              resp.Model,
		"message":            map[string]any{"role": "assistant", "content": text.String()},
		"done":               true,
		"done_reason":        renderOllamaDoneReason(resp.StopReason),
		"prompt_eval_count":  resp.Usage.InputTokens,
		"eval_count":         resp.Usage.OutputTokens,
	}
	return json.Marshal(out)
}

func renderOllamaDoneReason(canonical string) string {
	switch ir.CanonicalStopReason(canonical) {
	case ir.StopReasonLength:
		return "length"
	default:
		return "stop"
	}
}

// RenderOllamaStreamChunk lifts one IR stream chunk into a single
// newline-delimited JSON object, Ollama's streaming frame. Returns nil
// for chunk kinds with no client-visible text (message/block
// start/stop markers Ollama doesn't surface).
func RenderOllamaStreamChunk(chunk ir.StreamChunk) []byte {
	switch chunk.Kind {
	case ir.ChunkText:
		return formatOllamaLine(map[string]any{
			"model":   chunk.Model,
			"message": map[string]any{"role": "assistant", "content": chunk.Delta},
			"done":    false,
		})
	case ir.ChunkMessageStop:
		return formatOllamaLine(map[string]any{
			"model":             chunk.Model,
			"message":           map[string]any{"role": "assistant", "content": ""},
			"done":              true,
			"done_reason":       renderOllamaDoneReason(chunk.StopReason),
			"prompt_eval_count": chunk.Usage.InputTokens,
			"eval_count":        chunk.Usage.OutputTokens,
		})
	default:
		return nil
	}
}

func formatOllamaLine(data map[string]any) []byte {
	body, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return append(body, '\n')
}
