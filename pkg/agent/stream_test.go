package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultLine = `{"type":"result","subtype":"success","session_id":"sess-xyz789","result":"Hello","usage":{"input_tokens":1000,"output_tokens":500},"total_cost_usd":0.05}` + "\n"

func collectEvents(t *testing.T) (*LineFramer, *[]Event) {
	t.Helper()
	events := &[]Event{}
	f := NewLineFramer(func(ev Event) { *events = append(*events, ev) })
	return f, events
}

func requireResultCompletion(t *testing.T, ev Event) {
	t.Helper()
	assert.Equal(t, EventCompletion, ev.Type)
	assert.True(t, ev.Success)
	assert.Equal(t, "sess-xyz789", ev.SessionID)
	assert.Equal(t, "Hello", ev.Result)
	assert.Equal(t, 1000, ev.Usage.InputTokens)
	assert.Equal(t, 500, ev.Usage.OutputTokens)
	assert.Equal(t, 1500, ev.Usage.TotalTokens)
	assert.InDelta(t, 0.05, ev.Usage.CostUSD, 0.0001)
}

func TestFramer_ResultLine(t *testing.T) {
	f, events := collectEvents(t)

	n, err := f.Write([]byte(resultLine))
	require.NoError(t, err)
	assert.Equal(t, len(resultLine), n)

	require.Len(t, *events, 1)
	requireResultCompletion(t, (*events)[0])
}

func TestFramer_PartialFrameReassembly(t *testing.T) {
	f, events := collectEvents(t)

	mid := len(resultLine) / 2
	_, err := f.Write([]byte(resultLine[:mid]))
	require.NoError(t, err)
	assert.Empty(t, *events, "no event until the line completes")

	_, err = f.Write([]byte(resultLine[mid:]))
	require.NoError(t, err)
	require.Len(t, *events, 1)
	requireResultCompletion(t, (*events)[0])
}

// Splitting at any byte boundary yields exactly the event the whole line
// would yield.
func TestFramer_AnySplitPoint(t *testing.T) {
	for _, split := range []int{1, 10, 27, len(resultLine) - 2, len(resultLine) - 1} {
		t.Run(fmt.Sprintf("split at %d", split), func(t *testing.T) {
			f, events := collectEvents(t)
			_, err := f.Write([]byte(resultLine[:split]))
			require.NoError(t, err)
			_, err = f.Write([]byte(resultLine[split:]))
			require.NoError(t, err)
			require.Len(t, *events, 1)
			requireResultCompletion(t, (*events)[0])
		})
	}
}

func TestFramer_FlushParsesTrailingLine(t *testing.T) {
	f, events := collectEvents(t)

	noNewline := resultLine[:len(resultLine)-1]
	_, err := f.Write([]byte(noNewline))
	require.NoError(t, err)
	assert.Empty(t, *events)

	f.Flush()
	require.Len(t, *events, 1)
	requireResultCompletion(t, (*events)[0])

	f.Flush()
	assert.Len(t, *events, 1, "flush without buffered bytes emits nothing")
}

func TestFramer_DropsUnparseableLines(t *testing.T) {
	f, events := collectEvents(t)

	_, err := f.Write([]byte("plain log output\n{not json\n\n" + resultLine))
	require.NoError(t, err)
	require.Len(t, *events, 1, "non-JSON and empty lines are dropped silently")
	assert.Equal(t, EventCompletion, (*events)[0].Type)
}

func TestFramer_DropsUnmappedMessages(t *testing.T) {
	f, events := collectEvents(t)

	lines := `{"type":"system","subtype":"init","session_id":"sess-1"}` + "\n" +
		`{"type":"user","message":{"content":[]}}` + "\n" +
		`{"type":"result","subtype":"error_max_turns"}` + "\n"
	_, err := f.Write([]byte(lines))
	require.NoError(t, err)
	assert.Empty(t, *events)
}

func TestFramer_ToolCall(t *testing.T) {
	f, events := collectEvents(t)

	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Let me check."},` +
		`{"type":"tool_use","id":"toolu_01","name":"Read","input":{"file_path":"main.go"}}]}}` + "\n"
	_, err := f.Write([]byte(line))
	require.NoError(t, err)

	require.Len(t, *events, 1, "text blocks do not become events")
	ev := (*events)[0]
	assert.Equal(t, EventToolCall, ev.Type)
	assert.Equal(t, "toolu_01", ev.ToolUseID)
	assert.Equal(t, "Read", ev.ToolName)
	assert.JSONEq(t, `{"file_path":"main.go"}`, string(ev.Input))
	assert.False(t, ev.IsProgress)
}

func TestFramer_MultipleToolUseBlocks(t *testing.T) {
	f, events := collectEvents(t)

	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"tool_use","id":"toolu_01","name":"Read","input":{}},` +
		`{"type":"tool_use","id":"toolu_02","name":"Grep","input":{}}]}}` + "\n"
	_, err := f.Write([]byte(line))
	require.NoError(t, err)

	require.Len(t, *events, 2)
	assert.Equal(t, "toolu_01", (*events)[0].ToolUseID)
	assert.Equal(t, "toolu_02", (*events)[1].ToolUseID)
}

func TestFramer_Question(t *testing.T) {
	f, events := collectEvents(t)

	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"tool_use","id":"toolu_07","name":"AskUserQuestion",` +
		`"input":{"question":"Which database should I target?"}}]}}` + "\n"
	_, err := f.Write([]byte(line))
	require.NoError(t, err)

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, EventQuestion, ev.Type)
	assert.Equal(t, "toolu_07", ev.ToolUseID)
	assert.Equal(t, "Which database should I target?", ev.Question)
}

func TestFramer_ToolProgress(t *testing.T) {
	f, events := collectEvents(t)

	line := `{"type":"tool_progress","tool_use_id":"toolu_03","tool_name":"Bash"}` + "\n"
	_, err := f.Write([]byte(line))
	require.NoError(t, err)

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, EventToolCall, ev.Type)
	assert.Equal(t, "toolu_03", ev.ToolUseID)
	assert.Equal(t, "Bash", ev.ToolName)
	assert.True(t, ev.IsProgress)
}

func TestFramer_ErrorResult(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{
			name: "errors array",
			line: `{"type":"result","subtype":"error_during_execution","errors":["tool failed","retry failed"]}`,
			want: []string{"tool failed", "retry failed"},
		},
		{
			name: "single error field",
			line: `{"type":"result","subtype":"error_during_execution","error":"tool failed"}`,
			want: []string{"tool failed"},
		},
		{
			name: "neither field",
			line: `{"type":"result","subtype":"error_during_execution"}`,
			want: []string{"Unknown error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, events := collectEvents(t)
			_, err := f.Write([]byte(tt.line + "\n"))
			require.NoError(t, err)
			require.Len(t, *events, 1)
			ev := (*events)[0]
			assert.Equal(t, EventError, ev.Type)
			assert.False(t, ev.Success)
			assert.Equal(t, tt.want, ev.Errors)
		})
	}
}

func TestFramer_CompletionMetadata(t *testing.T) {
	f, events := collectEvents(t)

	line := `{"type":"result","subtype":"success","session_id":"sess-1","result":"done",` +
		`"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":200,"cache_creation_input_tokens":30},` +
		`"total_cost_usd":0.01,"num_turns":4,"duration_ms":90000}` + "\n"
	_, err := f.Write([]byte(line))
	require.NoError(t, err)

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, 4, ev.NumTurns)
	assert.Equal(t, 90*time.Second, ev.Duration)
	assert.Equal(t, 200, ev.Usage.CacheReadInputTokens)
	assert.Equal(t, 30, ev.Usage.CacheCreationInputTokens)
	assert.Equal(t, 15, ev.Usage.TotalTokens)
}

func TestExtractUsage_ZeroDefaults(t *testing.T) {
	usage := extractUsage(nil, 0)
	assert.Zero(t, usage.InputTokens)
	assert.Zero(t, usage.OutputTokens)
	assert.Zero(t, usage.TotalTokens)
	assert.Zero(t, usage.CostUSD)

	usage = extractUsage(&usageBody{InputTokens: 7}, 0.02)
	assert.Equal(t, 7, usage.InputTokens)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.InDelta(t, 0.02, usage.CostUSD, 0.0001)
}

func TestFramer_TextSink(t *testing.T) {
	f, events := collectEvents(t)
	var text string
	f.SetTextSink(func(s string) { text += s })

	lines := `{"type":"assistant","message":{"content":[{"type":"text","text":"Working on "}]}}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"it now."}]}}` + "\n"
	_, err := f.Write([]byte(lines))
	require.NoError(t, err)

	assert.Equal(t, "Working on it now.", text)
	assert.Empty(t, *events)
}
