package backend

import (
	"encoding/json"
	"fmt"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

// AnthropicAdapter speaks the Claude Messages API wire format: a
// top-level "system" string, content-block arrays on every message, and
// an SSE event sequence (message_start/content_block_start/.../
// message_stop) that lines up almost one-to-one with the IR's own
// StreamChunk grammar.
type AnthropicAdapter struct{}

func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

func (a *AnthropicAdapter) Protocol() string { return "anthropic" }

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Source    map[string]any `json:"source,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
}

func (a *AnthropicAdapter) AdaptRequest(req *ir.Request) ([]byte, error) {
	out := anthropicRequest{
		Model:         req.Model,
		System:        req.System,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else {
		out.MaxTokens = 4096
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toAnthropicMessage(m))
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	out.ToolChoice = toolChoiceToAnthropic(req.ToolChoice)

	return json.Marshal(out)
}

func toolChoiceToAnthropic(tc ir.ToolChoice) any {
	switch tc.Mode {
	case ir.ToolChoiceNone:
		return nil
	case ir.ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case ir.ToolChoiceNamed:
		return map[string]any{"type": "tool", "name": tc.Name}
	case ir.ToolChoiceAuto:
		return map[string]any{"type": "auto"}
	default:
		return nil
	}
}

// toAnthropicMessage lowers one IR message into Claude's content-block
// array shape. Unlike OpenAI, Claude allows tool_use and tool_result
// blocks to live alongside text in the same message, so no block kind
// forces a split into a separate wire message here.
func toAnthropicMessage(m ir.Message) anthropicMessage {
	role := string(m.Role)
	if role == "tool" {
		role = "user"
	}
	out := anthropicMessage{Role: role}

	for _, b := range m.Content {
		switch b.Kind {
		case ir.BlockText:
			out.Content = append(out.Content, anthropicContentBlock{Type: "text", Text: b.Text})
		case ir.BlockThinking:
			out.Content = append(out.Content, anthropicContentBlock{Type: "thinking", Text: b.Text})
		case ir.BlockImage:
			out.Content = append(out.Content, anthropicContentBlock{
				Type: "image",
				Source: map[string]any{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.DataBase64,
				},
			})
		case ir.BlockToolUse:
			out.Content = append(out.Content, anthropicContentBlock{
				Type:  "tool_use",
				ID:    b.ToolUseID,
				Name:  b.ToolName,
				Input: b.InputJSON,
			})
		case ir.BlockToolResult:
			out.Content = append(out.Content, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolUseResultID,
				Content:   b.ResultContent,
				IsError:   b.IsError,
			})
		}
	}

	return out
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens              int  `json:"input_tokens"`
		OutputTokens             int  `json:"output_tokens"`
		CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) AdaptResponse(body []byte, toolCompatMode bool) (*ir.Response, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	resp := &ir.Response{ID: wire.ID, Model: wire.Model}
	resp.Usage = ir.Usage{
		InputTokens:              wire.Usage.InputTokens,
		OutputTokens:             wire.Usage.OutputTokens,
		CacheCreationInputTokens: wire.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     wire.Usage.CacheReadInputTokens,
	}
	resp.StopReason = string(canonicalStopReason(wire.StopReason))

	for _, b := range wire.Content {
		if toolCompatMode && b.Type == "text" {
			resp.Content = append(resp.Content, scanToolCompatText(b.Text, wire.Model)...)
			continue
		}
		resp.Content = append(resp.Content, fromAnthropicBlock(b))
	}
	return resp, nil
}

func fromAnthropicBlock(b anthropicContentBlock) ir.ContentBlock {
	switch b.Type {
	case "tool_use":
		return ir.ContentBlock{Kind: ir.BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, InputJSON: b.Input}
	case "thinking":
		return ir.ContentBlock{Kind: ir.BlockThinking, Text: b.Text}
	default:
		return ir.ContentBlock{Kind: ir.BlockText, Text: b.Text}
	}
}

// AdaptStreamChunk lowers one decoded Claude SSE event (already stripped
// of its "event:"/"data:" framing) into unified stream chunks. Claude's
// event shape is close enough to the IR's own that most events pass
// through as a near-identity transform; this still goes through the IR
// so the same dispatcher code path serves every backend protocol.
func (a *AnthropicAdapter) AdaptStreamChunk(raw []byte, sess *streamstate.Session) ([]ir.StreamChunk, error) {
	var evt struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
		ContentBlock struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content_block"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("anthropic: decode stream event: %w", err)
	}

	switch evt.Type {
	case "message_start":
		sess.MessageID = evt.Message.ID
		sess.ModelID = evt.Message.Model
		sess.MessageStart = true
		return []ir.StreamChunk{{Kind: ir.ChunkMessageStart, MessageID: sess.MessageID, Model: sess.ModelID}}, nil

	case "content_block_start":
		switch evt.ContentBlock.Type {
		case "tool_use":
			sess.CurrentBlockKind = streamstate.BlockToolUse
			sess.ToolIDToIndex[fmt.Sprint(evt.Index)] = evt.Index
			return []ir.StreamChunk{
				{Kind: ir.ChunkContentBlockStart, Index: evt.Index, Block: ir.BlockHeader{Type: "tool_use", ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}},
				{Kind: ir.ChunkToolUseStart, Index: evt.Index, ToolID: evt.ContentBlock.ID, ToolName: evt.ContentBlock.Name},
			}, nil
		case "thinking":
			sess.CurrentBlockKind = streamstate.BlockThinking
			return []ir.StreamChunk{{Kind: ir.ChunkContentBlockStart, Index: evt.Index, Block: ir.BlockHeader{Type: "thinking"}}}, nil
		default:
			// In tool-compat mode a <cs:tool_use> span can split this one
			// upstream text block into several IR blocks, so framing is
			// reconstructed from the scanned content instead of passed
			// through verbatim.
			if sess.ToolCompatMode {
				return nil, nil
			}
			sess.CurrentBlockKind = streamstate.BlockText
			return []ir.StreamChunk{{Kind: ir.ChunkContentBlockStart, Index: evt.Index, Block: ir.BlockHeader{Type: "text"}}}, nil
		}

	case "content_block_delta":
		switch evt.Delta.Type {
		case "input_json_delta":
			sess.AddEstimatedTokens(len(evt.Delta.PartialJSON))
			return []ir.StreamChunk{{Kind: ir.ChunkToolUseDelta, Index: evt.Index, Delta: evt.Delta.PartialJSON}}, nil
		case "thinking_delta":
			sess.AddEstimatedTokens(len(evt.Delta.Text))
			return []ir.StreamChunk{{Kind: ir.ChunkThinking, Index: evt.Index, Delta: evt.Delta.Text}}, nil
		default:
			sess.AddEstimatedTokens(len(evt.Delta.Text))
			if sess.ToolCompatMode {
				sc := toolcompat.NewScanner(sess)
				return eventsToStreamChunks(sc.Feed(evt.Delta.Text), sess), nil
			}
			return []ir.StreamChunk{{Kind: ir.ChunkText, Index: evt.Index, Delta: evt.Delta.Text}}, nil
		}

	case "content_block_stop":
		var chunks []ir.StreamChunk
		if sess.ToolCompatMode && sess.CurrentBlockKind == streamstate.BlockText {
			sc := toolcompat.NewScanner(sess)
			chunks = append(chunks, eventsToStreamChunks(sc.Flush(), sess)...)
		}
		if sess.CurrentBlockKind == streamstate.BlockToolUse {
			chunks = append(chunks, ir.StreamChunk{Kind: ir.ChunkToolUseEnd, Index: evt.Index})
		}
		chunks = append(chunks, ir.StreamChunk{Kind: ir.ChunkContentBlockStop, Index: evt.Index})
		return chunks, nil

	case "message_delta":
		return []ir.StreamChunk{{
			Kind:       ir.ChunkMessageStop,
			StopReason: string(canonicalStopReason(evt.Delta.StopReason)),
			Usage:      ir.Usage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens},
		}}, nil

	case "message_stop":
		return nil, nil

	default:
		return nil, nil
	}
}
