// Package streamstate owns the per-connection mutable state threaded
// through every chunk of a streaming chat completion (spec.md §3.1
// SseStatus, §5 "owned by exactly one stream task").
package streamstate

import (
	"sync"
	"time"
)

// BlockKind tracks which content block, if any, is currently open.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockText
	BlockThinking
	BlockToolUse
)

// Session is the mutable state for one streaming connection. It is never
// shared across streams; the mutex exists only because the owning stream
// task may re-enter it from nested callbacks (tool-compat flush during a
// text delta), not for cross-task sharing.
type Session struct {
	mu sync.Mutex

	MessageID string
	ModelID   string

	MessageStart bool
	MessageIndex int

	TextDeltaCount     int
	ThinkingDeltaCount int
	ToolDeltaCount     int

	ToolID        string
	ToolIDToIndex map[string]int

	ToolCompatMode bool

	ToolCompatBuffer         []byte
	ToolCompatFragmentBuffer []byte
	ToolCompatFragmentCount  int
	ToolCompatLastFlushTime  time.Time
	InToolCallBlock          bool

	EstimatedOutputTokens int

	CurrentBlockKind BlockKind
	CurrentToolID    string
}

// New creates a session for a freshly opened upstream stream.
func New(messageID, modelID string, toolCompatMode bool) *Session {
	return &Session{
		MessageID:               messageID,
		ModelID:                 modelID,
		ToolIDToIndex:           make(map[string]int),
		ToolCompatMode:          toolCompatMode,
		ToolCompatLastFlushTime: time.Now(),
	}
}

// Lock/Unlock expose the mutex so adapters (which re-enter a session from
// nested tool-compat flush logic) can guard a whole chunk's processing.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// NextIndex advances and returns the new current content-block index.
func (s *Session) NextIndex() int {
	s.MessageIndex++
	return s.MessageIndex
}

// AddEstimatedTokens adds a bytes/4 heuristic estimate; spec.md §9 notes
// this is never relied on for billing, only surfaced as a running count.
func (s *Session) AddEstimatedTokens(deltaBytes int) {
	s.EstimatedOutputTokens += deltaBytes / 4
}
