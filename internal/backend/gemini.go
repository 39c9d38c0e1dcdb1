package backend

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/streamstate"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

// GeminiAdapter speaks the generateContent wire format: "contents" of
// role/parts instead of messages, functionCall/functionResponse parts
// instead of tool_use/tool_result blocks, and a generationConfig object
// for sampling parameters. Gemini delivers a function call as one whole
// part rather than streaming JSON argument fragments, so AdaptStreamChunk
// emits a tool block's start/delta/end/stop as one atomic group per
// functionCall part (spec.md §4.4(d)).
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

func (a *GeminiAdapter) Protocol() string { return "gemini" }

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiContentEntry struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"topP,omitempty"`
	TopK             *int           `json:"topK,omitempty"`
	MaxOutputTokens  *int           `json:"maxOutputTokens,omitempty"`
	StopSequences    []string       `json:"stopSequences,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContentEntry    `json:"contents"`
	SystemInstruction *geminiContentEntry     `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	SafetySettings    []map[string]any        `json:"safetySettings,omitempty"`
}

func (a *GeminiAdapter) AdaptRequest(req *ir.Request) ([]byte, error) {
	out := geminiRequest{}

	if req.System != "" {
		out.SystemInstruction = &geminiContentEntry{Parts: []geminiPart{{Text: req.System}}}
	}

	for _, m := range req.Messages {
		out.Contents = append(out.Contents, toGeminiContent(m))
	}

	cfg := geminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences: req.StopSequences,
	}
	if req.ResponseMIMEType != "" {
		cfg.ResponseMIMEType = req.ResponseMIMEType
	}
	if req.ResponseSchema != nil {
		cfg.ResponseSchema = extractGeminiSchema(req.ResponseSchema)
	}
	out.GenerationConfig = &cfg

	if len(req.Tools) > 0 {
		var decls []geminiFunctionDeclaration
		for _, tool := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  extractGeminiSchema(tool.InputSchema),
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if safety, ok := req.SafetySettings["categories"].([]map[string]any); ok {
		out.SafetySettings = safety
	}

	return json.Marshal(out)
}

func toGeminiContent(m ir.Message) geminiContentEntry {
	role := "user"
	if m.Role == ir.RoleAssistant {
		role = "model"
	}

	var parts []geminiPart
	for _, b := range m.Content {
		switch b.Kind {
		case ir.BlockText, ir.BlockThinking:
			parts = append(parts, geminiPart{Text: b.Text})
		case ir.BlockImage:
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: b.MediaType, Data: b.DataBase64}})
		case ir.BlockToolUse:
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.ToolName, Args: b.InputJSON}})
		case ir.BlockToolResult:
			response := b.ResultContent
			if s, ok := response.(string); ok {
				response = map[string]any{"content": s}
			}
			if response == nil {
				response = map[string]any{}
			}
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{Name: b.ToolName, Response: response}})
		}
	}

	return geminiContentEntry{Role: role, Parts: parts}
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContentEntry `json:"content"`
	FinishReason string             `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	ModelVersion  string               `json:"modelVersion"`
	ResponseID    string               `json:"responseId"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

func (a *GeminiAdapter) AdaptResponse(body []byte, toolCompatMode bool) (*ir.Response, error) {
	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: no candidates in response")
	}

	resp := &ir.Response{ID: wire.ResponseID, Model: wire.ModelVersion}
	candidate := wire.Candidates[0]
	for _, p := range candidate.Content.Parts {
		if toolCompatMode && p.Text != "" {
			resp.Content = append(resp.Content, scanToolCompatText(p.Text, wire.ModelVersion)...)
			continue
		}
		resp.Content = append(resp.Content, fromGeminiPart(p))
	}
	resp.StopReason = string(canonicalStopReason(candidate.FinishReason))

	if wire.UsageMetadata != nil {
		resp.Usage = ir.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		}
		if wire.UsageMetadata.ThoughtsTokenCount > 0 {
			thoughts := wire.UsageMetadata.ThoughtsTokenCount
			resp.Usage.ThoughtsTokens = &thoughts
		}
	}
	return resp, nil
}

func fromGeminiPart(p geminiPart) ir.ContentBlock {
	switch {
	case p.FunctionCall != nil:
		return ir.ContentBlock{
			Kind:      ir.BlockToolUse,
			ToolUseID: fmt.Sprintf("toolu_gemini_%s", p.FunctionCall.Name),
			ToolName:  p.FunctionCall.Name,
			InputJSON: p.FunctionCall.Args,
		}
	case p.FunctionResponse != nil:
		return ir.ContentBlock{Kind: ir.BlockToolResult, ToolUseResultID: p.FunctionResponse.Name, ResultContent: p.FunctionResponse.Response}
	default:
		return ir.ContentBlock{Kind: ir.BlockText, Text: p.Text}
	}
}

// AdaptStreamChunk lowers one decoded Gemini streaming JSON object (one
// array element of the streamGenerateContent response) into unified
// stream chunks. Every functionCall part is emitted as a complete
// start/delta/end/stop group in a single call, since Gemini never
// fragments a function call's arguments across chunks the way OpenAI does.
func (a *GeminiAdapter) AdaptStreamChunk(raw []byte, sess *streamstate.Session) ([]ir.StreamChunk, error) {
	var wire geminiResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("gemini: decode stream chunk: %w", err)
	}

	var out []ir.StreamChunk
	if wire.ResponseID != "" && sess.MessageID == "" {
		sess.MessageID = wire.ResponseID
	}
	if wire.ModelVersion != "" && sess.ModelID == "" {
		sess.ModelID = wire.ModelVersion
	}
	if !sess.MessageStart {
		out = append(out, ir.StreamChunk{Kind: ir.ChunkMessageStart, MessageID: sess.MessageID, Model: sess.ModelID})
		sess.MessageStart = true
	}

	if len(wire.Candidates) == 0 {
		return out, nil
	}
	candidate := wire.Candidates[0]

	for _, p := range candidate.Content.Parts {
		switch {
		case p.Text != "":
			if sess.ToolCompatMode {
				sc := toolcompat.NewScanner(sess)
				out = append(out, eventsToStreamChunks(sc.Feed(p.Text), sess)...)
			} else {
				if sess.CurrentBlockKind != streamstate.BlockText {
					idx := sess.NextIndex()
					out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStart, Index: idx, Block: ir.BlockHeader{Type: "text"}})
					sess.CurrentBlockKind = streamstate.BlockText
				}
				out = append(out, ir.StreamChunk{Kind: ir.ChunkText, Index: sess.MessageIndex, Delta: p.Text})
			}
			sess.AddEstimatedTokens(len(p.Text))

		case p.FunctionCall != nil:
			idx := sess.NextIndex()
			toolID := "toolu_gemini_" + uuid.New().String()[:8]
			args, _ := json.Marshal(p.FunctionCall.Args)
			out = append(out,
				ir.StreamChunk{Kind: ir.ChunkContentBlockStart, Index: idx, Block: ir.BlockHeader{Type: "tool_use", ID: toolID, Name: p.FunctionCall.Name}},
				ir.StreamChunk{Kind: ir.ChunkToolUseStart, Index: idx, ToolID: toolID, ToolName: p.FunctionCall.Name},
				ir.StreamChunk{Kind: ir.ChunkToolUseDelta, Index: idx, Delta: string(args)},
				ir.StreamChunk{Kind: ir.ChunkToolUseEnd, Index: idx},
				ir.StreamChunk{Kind: ir.ChunkContentBlockStop, Index: idx},
			)
			sess.CurrentBlockKind = streamstate.BlockNone
		}
	}

	if candidate.FinishReason != "" {
		if sess.ToolCompatMode {
			sc := toolcompat.NewScanner(sess)
			out = append(out, eventsToStreamChunks(sc.Flush(), sess)...)
		}
		if sess.CurrentBlockKind != streamstate.BlockNone {
			out = append(out, ir.StreamChunk{Kind: ir.ChunkContentBlockStop, Index: sess.MessageIndex})
		}
		usage := ir.Usage{}
		if wire.UsageMetadata != nil {
			usage.InputTokens = wire.UsageMetadata.PromptTokenCount
			usage.OutputTokens = wire.UsageMetadata.CandidatesTokenCount
		}
		out = append(out, ir.StreamChunk{
			Kind:       ir.ChunkMessageStop,
			StopReason: string(canonicalStopReason(candidate.FinishReason)),
			Usage:      usage,
		})
	}

	return out, nil
}
