// Package frontend implements one parser per client-facing wire protocol,
// lowering request bytes into ir.Request, and one renderer per protocol,
// lifting ir.Response / ir.StreamChunk back into that protocol's bytes
// for the client (spec.md §4.1's "C2" and the symmetric client-side
// adapter referenced in §4.4).
package frontend

import (
	"strings"

	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/policy"
	"github.com/aidyou/ccproxy/internal/resolver"
	"github.com/aidyou/ccproxy/internal/toolcompat"
)

// Preprocess runs the shared IR-level transforms every request goes
// through regardless of client protocol, after parsing and before any
// back-end adapter sees it.
func Preprocess(req *ir.Request, pm *resolver.ProxyModel) {
	collapseAdjacentSameRole(req)
	applyPromptReplace(req, pm)
	applyToolFilter(req, pm)
	validateToolSchemas(req)
	applyEnhancePrompt(req, pm)
}

// collapseAdjacentSameRole merges consecutive messages sharing a role
// into one, concatenating their content blocks in order. Several
// back-ends (Gemini and Claude in particular) reject strict non-alternating
// role sequences, which tool-result synthesis or client replay can produce.
func collapseAdjacentSameRole(req *ir.Request) {
	if len(req.Messages) < 2 {
		return
	}
	out := make([]ir.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = append(out[n-1].Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	req.Messages = out
}

func applyPromptReplace(req *ir.Request, pm *resolver.ProxyModel) {
	if len(pm.PromptReplace) == 0 {
		return
	}
	req.System = policy.ApplyPromptReplace(req.System, pm.PromptReplace)
	for i := range req.Messages {
		for j := range req.Messages[i].Content {
			b := &req.Messages[i].Content[j]
			if b.Kind == ir.BlockText || b.Kind == ir.BlockThinking {
				b.Text = policy.ApplyPromptReplace(b.Text, pm.PromptReplace)
			}
		}
	}
}

// applyToolFilter drops any declared tool named in pm.ToolFilter, along
// with any ToolUse block calling a filtered tool and any later ToolResult
// block answering one of those dropped calls (matched by tool-use id).
func applyToolFilter(req *ir.Request, pm *resolver.ProxyModel) {
	if len(pm.ToolFilter) == 0 {
		return
	}
	var keptTools []ir.Tool
	for _, t := range req.Tools {
		if _, filtered := pm.ToolFilter[t.Name]; !filtered {
			keptTools = append(keptTools, t)
		}
	}
	req.Tools = keptTools

	droppedIDs := map[string]bool{}
	for i := range req.Messages {
		var kept []ir.ContentBlock
		for _, b := range req.Messages[i].Content {
			if b.Kind == ir.BlockToolUse {
				if _, filtered := pm.ToolFilter[b.ToolName]; filtered {
					if b.ToolUseID != "" {
						droppedIDs[b.ToolUseID] = true
					}
					continue
				}
			}
			if b.Kind == ir.BlockToolResult && droppedIDs[b.ToolUseResultID] {
				continue
			}
			kept = append(kept, b)
		}
		req.Messages[i].Content = kept
	}
}

// applyEnhancePrompt synthesizes the tool-compat system prompt when the
// alias is configured for it, staging it according to prompt_injection
// and prompt_injection_position, and removes the native tools field so
// the back-end adapter never declares them structurally.
func applyEnhancePrompt(req *ir.Request, pm *resolver.ProxyModel) {
	toolCompat := pm.ToolCompatMode != nil && *pm.ToolCompatMode
	req.ToolCompatMode = toolCompat

	if toolCompat && len(req.Tools) > 0 {
		req.CombinedPrompt = toolcompat.EnhancePromptTemplate(req.Tools)
		req.Tools = nil
		req.ToolChoice = ir.ToolChoice{}
		injectCombinedPrompt(req, pm.PromptInjectionPosition)
	}

	if pm.PromptInjection == ir.PromptInjectionOff || pm.PromptText == "" {
		return
	}
	switch pm.PromptInjection {
	case ir.PromptInjectionReplace:
		req.System = pm.PromptText
	case ir.PromptInjectionEnhance:
		injectText(req, pm.PromptText, pm.PromptInjectionPosition)
	}
}

func injectCombinedPrompt(req *ir.Request, position ir.PromptInjectionPosition) {
	injectText(req, req.CombinedPrompt, position)
}

func injectText(req *ir.Request, text string, position ir.PromptInjectionPosition) {
	if position == ir.PromptInjectionPositionUser {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == ir.RoleUser {
				req.Messages[i].Content = append(req.Messages[i].Content, ir.ContentBlock{Kind: ir.BlockText, Text: "\n\n" + text})
				return
			}
		}
	}
	if req.System == "" {
		req.System = text
	} else {
		req.System = strings.TrimRight(req.System, "\n") + "\n\n" + text
	}
}
