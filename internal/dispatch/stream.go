package dispatch

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/aidyou/ccproxy/internal/frontend"
	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/resolver"
	"github.com/aidyou/ccproxy/internal/streamstate"
)

// maxStreamLineBytes bounds one buffered SSE/NDJSON line. Tool-call
// argument payloads can run long, so this is generous relative to the
// default bufio.Scanner limit rather than a realistic expectation.
const maxStreamLineBytes = 1 << 20

// pumpStream reads raw frames from the upstream body per pm.Protocol's
// wire framing, lowers each into IR stream chunks via the matching
// back-end adapter, lifts every chunk into the client protocol's own
// wire framing, and flushes it to w. It upholds spec.md §5's cancellation
// contract: if the client disconnects mid-stream, the read off bodyReader
// fails (the request context tied to the upstream call was cancelled)
// and the pump simply returns without synthesising a MessageStop.
func (d *Dispatcher) pumpStream(w http.ResponseWriter, bodyReader io.Reader, pm *resolver.ProxyModel, clientProtocol string, req *ir.Request) {
	flusher, _ := w.(http.Flusher)

	sess := streamstate.New(newMessageID("msg"), pm.ClientAlias, req.ToolCompatMode)

	adapter, ok := d.adapters[pm.Protocol]
	if !ok {
		return
	}

	render := streamRenderer(clientProtocol)

	emit := func(raw []byte) bool {
		chunks, err := adapter.AdaptStreamChunk(raw, sess)
		if err != nil {
			d.logger.Warn("stream chunk adapt error, recovering locally", "error", err)
			chunks = []ir.StreamChunk{{Kind: ir.ChunkError, ErrorMessage: err.Error()}}
		}
		for _, c := range chunks {
			if out := render(c); out != nil {
				if _, werr := w.Write(out); werr != nil {
					return false
				}
			}
			if c.Kind == ir.ChunkMessageStop && clientProtocol == "openai" {
				_, _ = w.Write(frontend.RenderOpenAIStreamDone())
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	scanner := bufio.NewScanner(bodyReader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	switch pm.Protocol {
	case "ollama":
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !emit([]byte(line)) {
				return
			}
		}
	default: // openai, anthropic, gemini: SSE framing
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ": ") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			if !emit([]byte(payload)) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		d.logger.Warn("stream scan ended", "error", err)
	}
}

func streamRenderer(clientProtocol string) func(ir.StreamChunk) []byte {
	switch clientProtocol {
	case "anthropic":
		return frontend.RenderAnthropicStreamEvent
	case "gemini":
		return frontend.RenderGeminiStreamChunk
	case "ollama":
		return frontend.RenderOllamaStreamChunk
	default:
		return frontend.RenderOpenAIStreamChunk
	}
}
