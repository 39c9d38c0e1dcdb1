// Package ir defines the unified intermediate representation that every
// front-end parser lowers into and every back-end adapter lifts back out
// of. No protocol-specific field ever leaks into these types; anything a
// provider needs that doesn't fit is carried in CustomParams.
package ir

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolChoiceMode selects how the model should use declared tools.
type ToolChoiceMode string

const (
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice is a tagged variant: exactly one of the Mode values applies;
// Name is only meaningful when Mode == ToolChoiceNamed.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// PromptInjectionMode controls how a tool-compat system prompt is merged.
type PromptInjectionMode string

const (
	PromptInjectionOff     PromptInjectionMode = "off"
	PromptInjectionEnhance PromptInjectionMode = "enhance"
	PromptInjectionReplace PromptInjectionMode = "replace"
)

// PromptInjectionPosition controls where an enabled injection lands.
type PromptInjectionPosition string

const (
	PromptInjectionPositionSystem PromptInjectionPosition = "system"
	PromptInjectionPositionUser   PromptInjectionPosition = "user"
)

// ContentBlockKind tags a UnifiedContentBlock variant.
type ContentBlockKind string

const (
	BlockText      ContentBlockKind = "text"
	BlockImage     ContentBlockKind = "image"
	BlockThinking  ContentBlockKind = "thinking"
	BlockToolUse   ContentBlockKind = "tool_use"
	BlockToolResult ContentBlockKind = "tool_result"
)

// ContentBlock is a tagged-union content segment. Only the fields that
// matter for Kind are populated; the rest are zero values.
type ContentBlock struct {
	Kind ContentBlockKind

	// Text / Thinking
	Text string

	// Image
	MediaType  string
	DataBase64 string

	// ToolUse
	ToolUseID   string
	ToolName    string
	InputJSON   map[string]any

	// ToolResult
	ToolUseResultID string
	ResultContent   any
	IsError         bool
}

// Message is one turn in the conversation.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// Tool is a callable function declaration in JSON-Schema form.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage holds integer token counters; pointer fields distinguish
// "not reported" from zero.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens *int
	CacheReadInputTokens     *int
	ToolUsePromptTokens      *int
	ThoughtsTokens           *int
	CachedContentTokens      *int
}

// Request is the IR of one incoming chat turn (spec.md §3.1 UnifiedRequest).
type Request struct {
	Model    string
	Messages []Message
	System   string
	Stream   bool

	// Sampling parameters. Pointers distinguish client-absent from zero.
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	StopSequences    []string
	Seed             *int64
	ResponseFormat   string
	ResponseMIMEType string
	ResponseSchema   map[string]any

	Tools      []Tool
	ToolChoice ToolChoice

	ToolCompatMode          bool
	PromptInjection         PromptInjectionMode
	PromptInjectionPosition PromptInjectionPosition
	CombinedPrompt          string

	SafetySettings map[string]any
	CachedContent  string
	Thinking       map[string]any
	Metadata       map[string]any
	CustomParams   map[string]any
}

// Response is the IR of one completed (non-streaming) chat turn.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// StreamChunkKind tags a UnifiedStreamChunk variant.
type StreamChunkKind string

const (
	ChunkMessageStart     StreamChunkKind = "message_start"
	ChunkContentBlockStart StreamChunkKind = "content_block_start"
	ChunkText             StreamChunkKind = "text"
	ChunkThinking         StreamChunkKind = "thinking"
	ChunkToolUseStart     StreamChunkKind = "tool_use_start"
	ChunkToolUseDelta     StreamChunkKind = "tool_use_delta"
	ChunkToolUseEnd       StreamChunkKind = "tool_use_end"
	ChunkContentBlockStop StreamChunkKind = "content_block_stop"
	ChunkMessageStop      StreamChunkKind = "message_stop"
	ChunkError            StreamChunkKind = "error"
)

// BlockHeader describes the content block a ContentBlockStart opens.
type BlockHeader struct {
	Type string // "text" | "thinking" | "tool_use"
	ID   string
	Name string
}

// StreamChunk is one event emitted by a back-end adapter and consumed by
// a client-side (front-end) adapter. Ordering contract: spec.md §3.1.
type StreamChunk struct {
	Kind StreamChunkKind

	// MessageStart
	MessageID string
	Model     string

	// ContentBlockStart / ContentBlockStop
	Index int
	Block BlockHeader

	// Text / Thinking / ToolUseDelta
	Delta string

	// ToolUseStart / ToolUseDelta / ToolUseEnd
	ToolID   string
	ToolName string
	ToolType string

	// MessageStop
	StopReason string
	Usage      Usage

	// Error
	ErrorMessage string
}

// CanonicalStopReason is the output set every protocol's stop reason maps to.
type CanonicalStopReason string

const (
	StopReasonStop          CanonicalStopReason = "stop"
	StopReasonLength        CanonicalStopReason = "length"
	StopReasonToolUse       CanonicalStopReason = "tool_use"
	StopReasonContentFilter CanonicalStopReason = "content_filter"
	StopReasonUnknown       CanonicalStopReason = "unknown"
)
