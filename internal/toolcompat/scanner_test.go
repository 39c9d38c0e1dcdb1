package toolcompat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidyou/ccproxy/internal/streamstate"
)

func TestScanner_PlainTextFlushesOnBufferSize(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	events := sc.Feed(strings.Repeat("x", flushBufferBytes+1))

	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Len(t, events[0].Text, flushBufferBytes+1)
}

func TestScanner_SmallFragmentIsBufferedNotFlushed(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	events := sc.Feed("hello")

	assert.Empty(t, events)
	assert.Equal(t, "hello", string(sess.ToolCompatBuffer))
}

func TestScanner_ToolUseSpanFedAsSingleFragment(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	span := TagOpen + "\n  <n>read_file</n>\n  <params>\n" +
		`    <param name="path" type="string">/tmp/a.txt</param>` + "\n" +
		"  </params>\n" + TagClose

	events := sc.Feed(span)

	require.Len(t, events, 1)
	require.Equal(t, EventToolCall, events[0].Kind)
	assert.Equal(t, "read_file", events[0].Call.Name)
	assert.Equal(t, "/tmp/a.txt", events[0].Call.Args["path"])
}

func TestScanner_ToolUseSpanSplitAcrossFragments(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	full := TagOpen + "<n>run</n><params>" +
		`<param name="n" type="number">3</param>` + "</params>" + TagClose

	// Split mid-tag, including right inside the literal "<cs:tool_use>" marker.
	mid := len(TagOpen) - 3
	first := full[:mid]
	second := full[mid:]

	var all []Event
	all = append(all, sc.Feed(first)...)
	all = append(all, sc.Feed(second)...)

	require.Len(t, all, 1)
	assert.Equal(t, EventToolCall, all[0].Kind)
	assert.Equal(t, "run", all[0].Call.Name)
	assert.Equal(t, "3", all[0].Call.Args["n"])
}

func TestScanner_PartialTagSuffixNotFlushedPrematurely(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	// Force a flush decision via fragment count, but leave a dangling
	// partial "<cs:" prefix of the tag unflushed.
	for i := 0; i < flushFragmentCount-1; i++ {
		sc.Feed("a")
	}
	events := sc.Feed("<cs:")

	for _, ev := range events {
		assert.NotContains(t, ev.Text, "<cs:")
	}
	assert.Equal(t, "<cs:", string(sess.ToolCompatBuffer))
}

func TestScanner_Flush_DrainsDanglingBuffer(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	sc.Feed("partial")
	events := sc.Flush()

	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Text)
	assert.Empty(t, sess.ToolCompatBuffer)
}

func TestScanner_ToolUseSpanWithSelfClosingParams(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	span := TagOpen + "<n>read_file</n><params>" +
		`<param name="path" value="/tmp/a.txt"/><param name="recursive" value="true"/>` +
		"</params>" + TagClose

	events := sc.Feed(span)

	require.Len(t, events, 1)
	require.Equal(t, EventToolCall, events[0].Kind)
	assert.Equal(t, "read_file", events[0].Call.Name)
	assert.Equal(t, "/tmp/a.txt", events[0].Call.Args["path"])
	assert.Equal(t, "true", events[0].Call.Args["recursive"])
}

func TestScanner_SafetyValveForcesRawTextOnRunawayToolBlock(t *testing.T) {
	sess := streamstate.New("msg_1", "claude-3", true)
	sc := NewScanner(sess)

	sc.Feed(TagOpen)
	events := sc.Feed(strings.Repeat("y", maxFragmentBytes+1))

	require.NotEmpty(t, events)
	assert.Equal(t, EventText, events[len(events)-1].Kind)
	assert.False(t, sess.InToolCallBlock)
}
