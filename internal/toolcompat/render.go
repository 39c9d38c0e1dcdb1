package toolcompat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aidyou/ccproxy/internal/ir"
)

// RenderToolUse renders a past ToolUse content block as a <cs:tool_use>
// span, per the grammar in spec.md §4.5.
func RenderToolUse(block ir.ContentBlock) string {
	var b strings.Builder

	b.WriteString(TagOpen)
	b.WriteString("\n  <n>")
	b.WriteString(escapeXML(block.ToolName))
	b.WriteString("</n>\n  <params>\n")

	// Stable key order so repeated renders of the same call are byte-identical.
	keys := make([]string, 0, len(block.InputJSON))
	for k := range block.InputJSON {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := block.InputJSON[k]
		typ, val := paramTypeAndValue(v)
		fmt.Fprintf(&b, "    <param name=%q type=%q>%s</param>\n", k, typ, escapeXML(val))
	}

	b.WriteString("  </params>\n")
	b.WriteString(TagClose)

	return b.String()
}

// RenderToolResult renders a ToolResult content block as a
// <cs:tool_result id="..."> span.
func RenderToolResult(block ir.ContentBlock) string {
	var content string

	switch v := block.ResultContent.(type) {
	case string:
		content = v
	case nil:
		content = ""
	default:
		if data, err := json.Marshal(v); err == nil {
			content = string(data)
		} else {
			content = fmt.Sprintf("%v", v)
		}
	}

	return resultOpenPrefix + escapeXML(block.ToolUseResultID) + resultOpenSuffix +
		escapeXML(content) + resultClose
}

// EnhancePromptTemplate synthesises a tool-usage system prompt that
// enumerates the available tools as XML, with one worked example, per
// spec.md §4.1 enhance_prompt.
func EnhancePromptTemplate(tools []ir.Tool) string {
	var b strings.Builder

	b.WriteString("You have access to the following tools. To call one, emit a span in exactly this form:\n\n")
	b.WriteString(TagOpen + "\n  <n>TOOL_NAME</n>\n  <params>\n    <param name=\"KEY\" type=\"string\">VALUE</param>\n  </params>\n" + TagClose)
	b.WriteString("\n\nAvailable tools:\n")

	for _, t := range tools {
		fmt.Fprintf(&b, "\n- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		if props, ok := t.InputSchema["properties"].(map[string]any); ok {
			names := make([]string, 0, len(props))
			for k := range props {
				names = append(names, k)
			}
			sort.Strings(names)
			if len(names) > 0 {
				fmt.Fprintf(&b, " (params: %s)", strings.Join(names, ", "))
			}
		}
	}

	if len(tools) > 0 {
		b.WriteString("\n\nExample call:\n")
		b.WriteString(RenderToolUse(ir.ContentBlock{
			ToolName:  tools[0].Name,
			InputJSON: exampleArgs(tools[0]),
		}))
	}

	return b.String()
}

func exampleArgs(t ir.Tool) map[string]any {
	args := map[string]any{}
	if props, ok := t.InputSchema["properties"].(map[string]any); ok {
		for k := range props {
			args[k] = "..."
			break
		}
	}
	return args
}

func paramTypeAndValue(v any) (typ string, val string) {
	switch x := v.(type) {
	case string:
		return "string", x
	case bool:
		return "boolean", strconv.FormatBool(x)
	case float64:
		return "number", strconv.FormatFloat(x, 'g', -1, 64)
	case nil:
		return "string", ""
	default:
		if data, err := json.Marshal(x); err == nil {
			return "object", string(data)
		}
		return "string", fmt.Sprintf("%v", x)
	}
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
