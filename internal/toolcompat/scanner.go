package toolcompat

import (
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aidyou/ccproxy/internal/streamstate"
)

// safetyValveLogSometimes throttles the safety-valve warning below: a
// model stuck emitting an unterminated tag would otherwise spam one log
// line per fragment for the rest of the stream.
var safetyValveLogSometimes = rate.Sometimes{Interval: 5 * time.Second}

// EventKind tags a Scanner output event.
type EventKind int

const (
	EventText EventKind = iota
	EventToolCall
)

// ParsedToolCall is one fully-recognized <cs:tool_use> span.
type ParsedToolCall struct {
	Name string
	Args map[string]any
}

// Event is one unit of work the dispatcher should act on: either plain
// text to forward as a text delta, or a tool call to surface as a
// tool_use content block.
type Event struct {
	Kind EventKind
	Text string
	Call ParsedToolCall
}

// Scanner incrementally recognizes <cs:tool_use> spans inside a stream
// of arbitrarily-fragmented text deltas, per spec.md §4.5. It buffers
// raw text until a flush decision fires (fragment count, elapsed time,
// buffer size, or a recognized tag) so that a tag split across two SSE
// fragments is never emitted as broken text.
type Scanner struct {
	sess *streamstate.Session
}

// NewScanner wraps a session in a Scanner. The session already carries
// the buffer/counters (§3.1), so Scanner itself holds no state of its
// own — a stream task may discard and recreate its Scanner freely.
func NewScanner(sess *streamstate.Session) *Scanner {
	return &Scanner{sess: sess}
}

// Feed appends a raw text fragment from the upstream model and returns
// zero or more events ready to act on now.
func (sc *Scanner) Feed(fragment string) []Event {
	s := sc.sess
	s.ToolCompatBuffer = append(s.ToolCompatBuffer, fragment...)
	s.ToolCompatFragmentCount++

	var events []Event
	for {
		ev, more := sc.drain()
		if ev != nil {
			events = append(events, *ev)
		}
		if !more {
			break
		}
	}
	return events
}

// Flush forces out whatever remains buffered at end-of-stream or on
// abort. A dangling, unterminated tag is emitted as plain text rather
// than silently dropped (spec.md §4.5 "auto-complete policy").
func (sc *Scanner) Flush() []Event {
	s := sc.sess
	if len(s.ToolCompatBuffer) == 0 {
		return nil
	}
	text := string(s.ToolCompatBuffer)
	s.ToolCompatBuffer = nil
	s.InToolCallBlock = false
	s.ToolCompatFragmentCount = 0
	s.ToolCompatLastFlushTime = time.Now()
	if text == "" {
		return nil
	}
	return []Event{{Kind: EventText, Text: text}}
}

// drain inspects the current buffer and returns at most one event, plus
// whether the buffer may still hold more work worth another pass.
func (sc *Scanner) drain() (*Event, bool) {
	s := sc.sess
	buf := string(s.ToolCompatBuffer)

	if s.InToolCallBlock {
		closeIdx := strings.Index(buf, TagClose)
		if closeIdx == -1 {
			if len(buf) >= maxFragmentBytes {
				// Safety valve: abandon tool-call parsing, emit raw.
				safetyValveLogSometimes.Do(func() {
					slog.Warn("tool-compat safety valve: unterminated tag exceeded max buffer", "buffer_bytes", len(buf))
				})
				s.ToolCompatBuffer = nil
				s.InToolCallBlock = false
				return &Event{Kind: EventText, Text: buf}, false
			}
			return nil, false
		}
		span := buf[:closeIdx+len(TagClose)]
		rest := buf[closeIdx+len(TagClose):]
		s.ToolCompatBuffer = []byte(rest)
		s.InToolCallBlock = false

		body := strings.TrimPrefix(span, TagOpen)
		body = strings.TrimSuffix(body, TagClose)
		name, args, ok := parseToolUseBody(body)
		if !ok {
			// Malformed span: surface verbatim rather than drop silently.
			return &Event{Kind: EventText, Text: span}, len(rest) > 0
		}
		return &Event{Kind: EventToolCall, Call: ParsedToolCall{Name: name, Args: args}}, len(rest) > 0
	}

	if openIdx := strings.Index(buf, TagOpen); openIdx != -1 {
		if openIdx > 0 {
			text := buf[:openIdx]
			s.ToolCompatBuffer = []byte(buf[openIdx:])
			return &Event{Kind: EventText, Text: text}, true
		}
		s.InToolCallBlock = true
		return nil, true
	}

	safeLen := len(buf) - partialTagSuffixLen(buf, TagOpen)
	if safeLen <= 0 {
		if len(buf) >= maxFragmentBytes {
			s.ToolCompatBuffer = nil
			return &Event{Kind: EventText, Text: buf}, false
		}
		return nil, false
	}

	if !sc.shouldFlush(len(buf)) {
		return nil, false
	}

	text := buf[:safeLen]
	s.ToolCompatBuffer = []byte(buf[safeLen:])
	s.ToolCompatFragmentCount = 0
	s.ToolCompatLastFlushTime = time.Now()
	if text == "" {
		return nil, false
	}
	return &Event{Kind: EventText, Text: text}, false
}

// shouldFlush applies the flush heuristics from spec.md §4.5: a
// fragment-count threshold, a wall-clock threshold, a buffer-size
// threshold, and an absolute safety valve.
func (sc *Scanner) shouldFlush(bufLen int) bool {
	s := sc.sess
	if bufLen >= maxFragmentBytes {
		return true
	}
	if s.ToolCompatFragmentCount >= flushFragmentCount {
		return true
	}
	if time.Since(s.ToolCompatLastFlushTime) >= flushIntervalMs*time.Millisecond {
		return true
	}
	if bufLen > flushBufferBytes {
		return true
	}
	return false
}

// partialTagSuffixLen returns the length of the longest suffix of buf
// that is itself a non-empty proper prefix of tag, so that a tag split
// across two fragments ("...<cs:too" + "l_use>...") is never flushed
// as broken text.
func partialTagSuffixLen(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}

// parseToolUseBody parses the inner grammar of a <cs:tool_use> span:
//
//	<n>NAME</n>
//	<params>
//	  <param name="KEY" type="TYPE">VALUE</param>*
//	  <param name="KEY" value="VALUE"/>*
//	</params>
func parseToolUseBody(body string) (name string, args map[string]any, ok bool) {
	nameStart := strings.Index(body, "<n>")
	nameEnd := strings.Index(body, "</n>")
	if nameStart == -1 || nameEnd == -1 || nameEnd < nameStart {
		return "", nil, false
	}
	name = strings.TrimSpace(body[nameStart+len("<n>") : nameEnd])

	args = map[string]any{}
	rest := body[nameEnd:]
	for {
		tagStart := strings.Index(rest, "<param ")
		if tagStart == -1 {
			break
		}
		tagEnd := strings.Index(rest[tagStart:], ">")
		if tagEnd == -1 {
			break
		}
		attrsEnd := tagStart + tagEnd
		selfClosing := attrsEnd > tagStart && rest[attrsEnd-1] == '/'
		attrs := rest[tagStart+len("<param ") : attrsEnd]
		if selfClosing {
			attrs = strings.TrimSuffix(attrs, "/")
		}

		if selfClosing {
			key := attrValue(attrs, "name")
			value := attrValue(attrs, "value")
			if key != "" {
				args[key] = unescapeXML(value)
			}
			rest = rest[attrsEnd+1:]
			continue
		}

		valStart := tagStart + tagEnd + 1
		valEnd := strings.Index(rest[valStart:], "</param>")
		if valEnd == -1 {
			break
		}
		value := rest[valStart : valStart+valEnd]

		key := attrValue(attrs, "name")
		if key != "" {
			args[key] = unescapeXML(value)
		}
		rest = rest[valStart+valEnd+len("</param>"):]
	}

	return name, args, true
}

func attrValue(attrs, key string) string {
	needle := key + "=\""
	idx := strings.Index(attrs, needle)
	if idx == -1 {
		return ""
	}
	start := idx + len(needle)
	end := strings.Index(attrs[start:], "\"")
	if end == -1 {
		return ""
	}
	return attrs[start : start+end]
}

func unescapeXML(s string) string {
	r := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&amp;", "&",
	)
	return r.Replace(s)
}
