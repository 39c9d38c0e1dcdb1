package frontend

import (
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aidyou/ccproxy/internal/ir"
)

// validateToolSchemas checks that every declared tool's InputSchema is
// itself a well-formed JSON Schema document before it reaches
// extractGeminiSchema or any other backend that walks it structurally.
// A malformed schema is logged and left in place rather than dropped:
// a client that sent it still expects the tool to be offered, and the
// backend adapters tolerate an odd schema shape better than a silently
// vanished tool.
func validateToolSchemas(req *ir.Request) {
	for _, t := range req.Tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", map[string]any(t.InputSchema)); err != nil {
			slog.Warn("tool input_schema is not valid JSON Schema", "tool", t.Name, "error", err)
			continue
		}
		if _, err := c.Compile("schema.json"); err != nil {
			slog.Warn("tool input_schema failed to compile", "tool", t.Name, "error", err)
		}
	}
}
