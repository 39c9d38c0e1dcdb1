package frontend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/resolver"
)

func TestPreprocess_CollapseAdjacentSameRole(t *testing.T) {
	req := &ir.Request{
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "a"}}},
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "b"}}},
			{Role: ir.RoleAssistant, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "c"}}},
		},
	}

	Preprocess(req, &resolver.ProxyModel{})

	require.Len(t, req.Messages, 2)
	require.Len(t, req.Messages[0].Content, 2)
	assert.Equal(t, "a", req.Messages[0].Content[0].Text)
	assert.Equal(t, "b", req.Messages[0].Content[1].Text)
}

func TestPreprocess_ToolFilterDropsDeclarationAndUse(t *testing.T) {
	req := &ir.Request{
		Tools: []ir.Tool{
			{Name: "get_weather"},
			{Name: "search"},
		},
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "hi"}}},
			{Role: ir.RoleAssistant, Content: []ir.ContentBlock{{Kind: ir.BlockToolUse, ToolName: "get_weather"}}},
		},
	}
	pm := &resolver.ProxyModel{ToolFilter: map[string]struct{}{"get_weather": {}}}

	Preprocess(req, pm)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "search", req.Tools[0].Name)
	require.Len(t, req.Messages[1].Content, 0)
}

func TestPreprocess_EnhancePromptEmulatesToolsViaXMLPrompt(t *testing.T) {
	toolCompat := true
	req := &ir.Request{
		System: "be helpful",
		Tools:  []ir.Tool{{Name: "get_weather", Description: "look up weather"}},
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{{Kind: ir.BlockText, Text: "hi"}}},
		},
	}
	pm := &resolver.ProxyModel{ToolCompatMode: &toolCompat}

	Preprocess(req, pm)

	assert.True(t, req.ToolCompatMode)
	assert.Nil(t, req.Tools)
	assert.Contains(t, req.System, "get_weather")
}

func TestPreprocess_PromptInjectionReplace(t *testing.T) {
	req := &ir.Request{System: "original"}
	pm := &resolver.ProxyModel{
		PromptInjection: ir.PromptInjectionReplace,
		PromptText:      "replacement",
	}

	Preprocess(req, pm)

	assert.Equal(t, "replacement", req.System)
}

func TestPreprocess_PromptInjectionEnhanceAppends(t *testing.T) {
	req := &ir.Request{System: "original"}
	pm := &resolver.ProxyModel{
		PromptInjection: ir.PromptInjectionEnhance,
		PromptText:      "extra",
	}

	Preprocess(req, pm)

	assert.Contains(t, req.System, "original")
	assert.Contains(t, req.System, "extra")
}
