package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

// OpenAIAdapter speaks the OpenAI chat-completions wire format. It shares
// no code with OllamaAdapter, which has its own message shape, folds
// tools into tool-compat XML text, and reads NDJSON rather than SSE.
type OpenAIAdapter struct{}

func NewOpenAIAdapter() *OpenAIAdapter { return &OpenAIAdapter{} }

func (a *OpenAIAdapter) Protocol() string { return "openai" }

type openaiMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiRequest struct {
	Model            string           `json:"model"`
	Messages         []openaiMessage  `json:"messages"`
	Stream           bool             `json:"stream,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	Tools            []openaiTool     `json:"tools,omitempty"`
	ToolChoice       any              `json:"tool_choice,omitempty"`
}

func (a *OpenAIAdapter) AdaptRequest(req *ir.Request) ([]byte, error) {
	out := openaiRequest{
		Model:            req.Model,
		Stream:           req.Stream,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stop:             req.StopSequences,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toOpenAIMessage(m)...)
	}
	out.Messages = closeOrphanedToolCalls(out.Messages)

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	out.ToolChoice = toolChoiceToOpenAI(req.ToolChoice)

	return json.Marshal(out)
}

func toolChoiceToOpenAI(tc ir.ToolChoice) any {
	switch tc.Mode {
	case ir.ToolChoiceNone:
		return "none"
	case ir.ToolChoiceRequired:
		return "required"
	case ir.ToolChoiceNamed:
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.Name}}
	case ir.ToolChoiceAuto:
		return "auto"
	default:
		return nil
	}
}

// toOpenAIMessage converts one IR message, which may carry several
// content blocks, into one or more OpenAI wire messages — a ToolResult
// block always becomes its own role:"tool" message, since OpenAI has no
// concept of mixing tool results into an assistant/user turn.
func toOpenAIMessage(m ir.Message) []openaiMessage {
	var out []openaiMessage
	role := string(m.Role)

	var textParts []any
	var toolCalls []openaiToolCall
	var plainText strings.Builder
	sawNonResultBlock := false
	hasImage := false

	for _, b := range m.Content {
		switch b.Kind {
		case ir.BlockText:
			sawNonResultBlock = true
			plainText.WriteString(b.Text)
			textParts = append(textParts, map[string]any{"type": "text", "text": b.Text})
		case ir.BlockImage:
			sawNonResultBlock = true
			hasImage = true
			textParts = append(textParts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.DataBase64)},
			})
		case ir.BlockToolUse:
			sawNonResultBlock = true
			args, _ := json.Marshal(b.InputJSON)
			toolCalls = append(toolCalls, openaiToolCall{
				ID:   b.ToolUseID,
				Type: "function",
				Function: openaiFunctionCall{
					Name:      b.ToolName,
					Arguments: string(args),
				},
			})
		case ir.BlockToolResult:
			content := b.ResultContent
			var contentStr string
			switch v := content.(type) {
			case string:
				contentStr = v
			default:
				data, _ := json.Marshal(v)
				contentStr = string(data)
			}
			out = append(out, openaiMessage{Role: "tool", Content: contentStr, ToolCallID: b.ToolUseResultID})
		}
	}

	if sawNonResultBlock {
		msg := openaiMessage{Role: role, ToolCalls: toolCalls}
		if len(textParts) > 1 || hasImage {
			msg.Content = textParts
		} else {
			msg.Content = plainText.String()
		}
		out = append([]openaiMessage{msg}, out...)
	}

	return out
}

// closeOrphanedToolCalls enforces OpenAI's hard pairing requirement:
// every assistant tool_calls[i].id must be followed by a role:"tool"
// message with a matching tool_call_id before the next user turn.
// Client histories can omit or reorder results (a tool error the client
// swallowed, a truncated replay), so any id still open when the next
// non-assistant, non-tool message (or the end of the history) is reached
// gets a synthetic placeholder result inserted ahead of it, in the order
// the calls were made. Consecutive assistant turns do not close each
// other's ids.
func closeOrphanedToolCalls(messages []openaiMessage) []openaiMessage {
	var out []openaiMessage
	var open []string
	seen := map[string]bool{}

	flush := func() {
		for _, id := range open {
			if !seen[id] {
				out = append(out, openaiMessage{Role: "tool", Content: "[no result provided]", ToolCallID: id})
			}
		}
		open = nil
		seen = map[string]bool{}
	}

	for _, m := range messages {
		switch m.Role {
		case "tool":
			seen[m.ToolCallID] = true
			out = append(out, m)
		case "assistant":
			// Consecutive assistant turns accumulate open ids rather
			// than flushing between them.
			out = append(out, m)
			for _, tc := range m.ToolCalls {
				open = append(open, tc.ID)
			}
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()
	return out
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) AdaptResponse(body []byte, toolCompatMode bool) (*ir.Response, error) {
	var wire openaiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	resp := &ir.Response{ID: wire.ID, Model: wire.Model}
	resp.Usage = ir.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens}

	if len(wire.Choices) > 0 {
		c := wire.Choices[0]
		if c.Message.Content != "" {
			if toolCompatMode {
				resp.Content = append(resp.Content, scanToolCompatText(c.Message.Content, wire.Model)...)
			} else {
				resp.Content = append(resp.Content, ir.ContentBlock{Kind: ir.BlockText, Text: c.Message.Content})
			}
		}
		for _, tc := range c.Message.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			resp.Content = append(resp.Content, ir.ContentBlock{
				Kind:      ir.BlockToolUse,
				ToolUseID: tc.ID,
				ToolName:  tc.Function.Name,
				InputJSON: args,
			})
		}
		resp.StopReason = string(canonicalStopReason(c.FinishReason))
	}
	return resp, nil
}

// AdaptStreamChunk lowers one OpenAI `chat.completion.chunk` JSON object
// into unified stream chunks. Tool-call deltas arrive fragmented across
// many chunks (index-addressed), so we key open tool blocks by the
// OpenAI tool_calls[].index via sess.ToolIDToIndex.
func (a *OpenAIAdapter) AdaptStreamChunk(raw []byte, sess *streamstate.Session) ([]ir.StreamChunk, error) {
	var chunk struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, fmt.Errorf("openai: decode stream chunk: %w", err)
	}

	var out []ir.StreamChunk
	if chunk.ID != "" && sess.MessageID == "" {
		sess.MessageID = chunk.ID
	}
	if chunk.Model != "" && sess.ModelID == "" {
		sess.ModelID = chunk.Model
	}
	if !sess.MessageStart {
		out = append(out, ir.StreamChunk{Kind: ir.ChunkMessageStart, MessageID: sess.MessageID, Model: sess.ModelID})
		sess.MessageStart = true
	}

	if len(chunk.Choices) == 0 {
		return out, nil
	}
	choice := chunk.Choices[0]

	if len(choice.Delta.ToolCalls) > 0 {
		for _, tc := range choice.Delta.ToolCalls {
			idx, open := sess.ToolIDToIndex[fmt.Sprint(tc.Index)]
			if !open {
				idx = sess.NextIndex()
				sess.ToolIDToIndex[fmt.Sprint(tc.Index)] = idx
				out = append(out, ir.StreamChunk{
					Kind:  ir.ChunkContentBlockStart,
					Index: idx,
					Block: ir.BlockHeader{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name},
				})
				out = append(out, ir.StreamChunk{Kind: ir.ChunkToolUseStart, Index: idx, ToolID: tc.ID, ToolName: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				out = append(out, ir.StreamChunk{Kind: ir.ChunkToolUseDelta, Index: idx, Delta: tc.Function.Arguments})
				sess.AddEstimatedTokens(len(tc.Function.Arguments))
			}
		}
	} else if choice.Delta.Content != "" {
		if sess.ToolCompatMode {
			sc := toolcompat.NewScanner(sess)
			out = append(out, eventsToStreamChunks(sc.Feed(choice.Delta.Content), sess)...)
		} else {
			if sess.CurrentBlockKind != streamstate.BlockText {
				idx := sess.NextIndex()
				out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStart, Index: idx, Block: ir.BlockHeader{Type: "text"}})
				sess.CurrentBlockKind = streamstate.BlockText
			}
			out = append(out, ir.StreamChunk{Kind: ir.ChunkText, Delta: choice.Delta.Content})
		}
		sess.AddEstimatedTokens(len(choice.Delta.Content))
	}

	if choice.FinishReason != nil {
		if sess.ToolCompatMode {
			sc := toolcompat.NewScanner(sess)
			out = append(out, eventsToStreamChunks(sc.Flush(), sess)...)
		}
		usage := ir.Usage{}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStop, Index: sess.MessageIndex})
		out = append(out, ir.StreamChunk{
			Kind:       ir.ChunkMessageStop,
			StopReason: string(canonicalStopReason(*choice.FinishReason)),
			Usage:      usage,
		})
	}

	return out, nil
}
