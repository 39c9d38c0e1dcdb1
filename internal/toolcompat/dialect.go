// Package toolcompat implements the tool-compatibility emulation layer
// (spec.md §4.5): rendering past tool calls/results as embedded XML on
// the way out, and incrementally scanning a fragmented byte stream for
// that XML on the way back in.
//
// Dialect choice: this implementation speaks only the `cs:` family
// (<cs:tool_use>, <cs:tool_result>, <cs:behavioral-guidelines>). The
// legacy `ccp:`/`cpp:` dialect mentioned in spec.md §6.4 and §9 is not
// implemented — mixing dialects causes parse failures by design, so a
// proxy instance picks exactly one, and `cs:` is the recommended one.
package toolcompat

const (
	TagOpen  = "<cs:tool_use>"
	TagClose = "</cs:tool_use>"

	resultOpenPrefix = `<cs:tool_result id="`
	resultOpenSuffix = `">`
	resultClose      = "</cs:tool_result>"

	// TOOL_RESULT_SUFFIX_REMINDER is appended after a trailing tool-result
	// group to suppress redundant model retries (spec.md §4.5).
	ToolResultSuffixReminder = "\n\nTool results have been provided above. Do not call the same tool again unless the task genuinely requires it."

	// flush thresholds, spec.md §4.5
	flushFragmentCount = 25
	flushIntervalMs    = 100
	flushBufferBytes   = 500
	maxFragmentBytes   = 1024 * 1024
)
