package backend

import (
	"encoding/json"
	"fmt"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

// OllamaAdapter speaks Ollama's /api/chat wire format: plain
// role/content messages and newline-delimited JSON chunks rather than
// SSE. Ollama has no native tool-calling support in this proxy's model
// of it, so tool declarations and past tool turns are folded into plain
// text using the tool-compat XML dialect, and the incremental scanner
// re-extracts ToolUse blocks from the model's own text output on the
// way back (spec.md §4.5).
type OllamaAdapter struct{}

func NewOllamaAdapter() *OllamaAdapter { return &OllamaAdapter{} }

func (a *OllamaAdapter) Protocol() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

func (a *OllamaAdapter) AdaptRequest(req *ir.Request) ([]byte, error) {
	out := ollamaRequest{Model: req.Model, Stream: req.Stream}

	system := req.System
	if len(req.Tools) > 0 {
		toolPrompt := toolcompat.EnhancePromptTemplate(req.Tools)
		if system != "" {
			system = system + "\n\n" + toolPrompt
		} else {
			system = toolPrompt
		}
	}
	if system != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: system})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toOllamaMessage(m)...)
	}
	if n := len(req.Messages); n > 0 && len(out.Messages) > 0 {
		for _, b := range req.Messages[n-1].Content {
			if b.Kind == ir.BlockToolResult {
				out.Messages[len(out.Messages)-1].Content += toolcompat.ToolResultSuffixReminder
				break
			}
		}
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		options["top_k"] = *req.TopK
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}
	if len(options) > 0 {
		out.Options = options
	}

	return json.Marshal(out)
}

func toOllamaMessage(m ir.Message) []ollamaMessage {
	var text string
	for _, b := range m.Content {
		switch b.Kind {
		case ir.BlockText, ir.BlockThinking:
			text += b.Text
		case ir.BlockToolUse:
			text += toolcompat.RenderToolUse(b)
		case ir.BlockToolResult:
			text += toolcompat.RenderToolResult(b)
		}
	}
	if text == "" {
		return nil
	}
	role := string(m.Role)
	if role == "tool" {
		role = "user"
	}
	return []ollamaMessage{{Role: role, Content: text}}
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason string `json:"done_reason"`
	Done       bool   `json:"done"`
	EvalCount       int `json:"eval_count"`
	PromptEvalCount int `json:"prompt_eval_count"`
}

// AdaptResponse always scans for the tool-compat dialect, since Ollama
// has no native tool-calling to fall back on; toolCompatMode is accepted
// only to satisfy the shared Adapter interface.
func (a *OllamaAdapter) AdaptResponse(body []byte, toolCompatMode bool) (*ir.Response, error) {
	var wire ollamaResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	resp := &ir.Response{Model: wire.Model}
	resp.Usage = ir.Usage{InputTokens: wire.PromptEvalCount, OutputTokens: wire.EvalCount}

	resp.Content = append(resp.Content, scanToolCompatText(wire.Message.Content, wire.Model)...)

	if wire.DoneReason != "" {
		resp.StopReason = string(canonicalStopReason(wire.DoneReason))
	} else {
		resp.StopReason = string(ir.StopReasonStop)
	}
	return resp, nil
}

func eventToBlock(ev toolcompat.Event) ir.ContentBlock {
	if ev.Kind == toolcompat.EventToolCall {
		return ir.ContentBlock{Kind: ir.BlockToolUse, ToolName: ev.Call.Name, InputJSON: ev.Call.Args}
	}
	return ir.ContentBlock{Kind: ir.BlockText, Text: ev.Text}
}

// AdaptStreamChunk lowers one NDJSON line from Ollama's streaming
// /api/chat response. Model text is run through the tool-compat scanner
// before becoming IR chunks, so a <cs:tool_use> span the model emits as
// plain text still surfaces to the client as a structured tool call.
func (a *OllamaAdapter) AdaptStreamChunk(raw []byte, sess *streamstate.Session) ([]ir.StreamChunk, error) {
	var wire ollamaResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("ollama: decode stream chunk: %w", err)
	}

	var out []ir.StreamChunk
	if wire.Model != "" && sess.ModelID == "" {
		sess.ModelID = wire.Model
	}
	if !sess.MessageStart {
		out = append(out, ir.StreamChunk{Kind: ir.ChunkMessageStart, MessageID: sess.MessageID, Model: sess.ModelID})
		sess.MessageStart = true
	}

	sc := toolcompat.NewScanner(sess)
	events := sc.Feed(wire.Message.Content)
	if wire.Done {
		events = append(events, sc.Flush()...)
	}
	out = append(out, eventsToStreamChunks(events, sess)...)

	if wire.Done {
		out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStop, Index: sess.MessageIndex})
		reason := wire.DoneReason
		if reason == "" {
			reason = "stop"
		}
		out = append(out, ir.StreamChunk{
			Kind:       ir.ChunkMessageStop,
			StopReason: string(canonicalStopReason(reason)),
			Usage:      ir.Usage{InputTokens: wire.PromptEvalCount, OutputTokens: wire.EvalCount},
		})
	}

	return out, nil
}

func eventsToStreamChunks(events []toolcompat.Event, sess *streamstate.Session) []ir.StreamChunk {
	var out []ir.StreamChunk
	for _, ev := range events {
		switch ev.Kind {
		case toolcompat.EventText:
			if ev.Text == "" {
				continue
			}
			if sess.CurrentBlockKind != streamstate.BlockText {
				idx := sess.NextIndex()
				out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStart, Index: idx, Block: ir.BlockHeader{Type: "text"}})
				sess.CurrentBlockKind = streamstate.BlockText
			}
			out = append(out, ir.StreamChunk{Kind: ir.ChunkText, Delta: ev.Text})
			sess.AddEstimatedTokens(len(ev.Text))
		case toolcompat.EventToolCall:
			idx := sess.NextIndex()
			sess.CurrentBlockKind = streamstate.BlockToolUse
			out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStart, Index: idx, Block: ir.BlockHeader{Type: "tool_use", Name: ev.Call.Name}})
			args, _ := json.Marshal(ev.Call.Args)
			out = append(out, ir.StreamChunk{Kind: ir.ChunkToolUseStart, Index: idx, ToolName: ev.Call.Name})
			out = append(out, ir.StreamChunk{Kind: ir.ChunkToolUseDelta, Index: idx, Delta: string(args)})
			out = append(out, ir.StreamChunk{Kind: ir.ChunkToolUseEnd, Index: idx})
			out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStop, Index: idx})
		}
	}
	return out
}
