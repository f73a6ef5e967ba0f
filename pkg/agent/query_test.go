package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter writes a shell stub standing in for the agent CLI. The stub
// ignores the flag surface and runs the given script body.
func stubAdapter(t *testing.T, script string) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	cfg := DefaultConfig()
	cfg.CLIPath = path
	cfg.QueryTimeout = 0
	cfg.TermGrace = time.Second
	return NewAdapter(cfg)
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func waitOutcome(t *testing.T, q *Query) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := q.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestQuery_CompletionFlow(t *testing.T) {
	a := stubAdapter(t, `printf '%s\n' '{"type":"result","subtype":"success","session_id":"sess-xyz789","result":"Hello","usage":{"input_tokens":1000,"output_tokens":500},"total_cost_usd":0.05}'`)

	sink := &eventSink{}
	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, sink.handle)
	require.NoError(t, err)

	out := waitOutcome(t, q)
	assert.True(t, out.Success)
	assert.Equal(t, "Hello", out.Result)
	assert.Equal(t, 1500, out.Usage.TotalTokens)
	assert.InDelta(t, 0.05, out.Usage.CostUSD, 0.0001)
	assert.Equal(t, ErrorKindNone, out.ErrorKind)
	assert.Zero(t, out.ExitCode)

	assert.Equal(t, "sess-xyz789", q.SessionID())
	assert.False(t, q.IsRunning())

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventCompletion, events[0].Type)
}

func TestQuery_SessionIDEmptyUntilObserved(t *testing.T) {
	a := stubAdapter(t, `sleep 0.3
printf '%s\n' '{"type":"result","subtype":"success","session_id":"sess-late","result":"ok"}'`)

	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, nil)
	require.NoError(t, err)

	assert.Empty(t, q.SessionID())
	assert.True(t, q.IsRunning())

	waitOutcome(t, q)
	assert.Equal(t, "sess-late", q.SessionID())
}

func TestQuery_TimeoutPreservesPartialResponse(t *testing.T) {
	a := stubAdapter(t, `printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"halfway through"}]}}'
exec sleep 30`)

	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi", Timeout: 150 * time.Millisecond}, nil)
	require.NoError(t, err)

	out := waitOutcome(t, q)
	assert.False(t, out.Success)
	assert.True(t, out.TimedOut)
	assert.Equal(t, ErrorKindTimeout, out.ErrorKind)
	assert.Equal(t, "halfway through", out.Result, "partial text survives the timeout")
}

func TestQuery_CloseIdempotent(t *testing.T) {
	a := stubAdapter(t, `exec sleep 30`)

	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, nil)
	require.NoError(t, err)

	q.Close()
	q.Close()

	out := waitOutcome(t, q)
	assert.True(t, out.Cancelled)
	assert.False(t, out.Success)
	assert.Equal(t, ErrorKindNone, out.ErrorKind, "operator cancellation is not a classified failure")

	require.NotPanics(t, func() { q.Close() }, "close after exit is a no-op")
}

func TestQuery_ContextCancellation(t *testing.T) {
	a := stubAdapter(t, `exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	q, err := a.StartQuery(ctx, Options{Prompt: "hi"}, nil)
	require.NoError(t, err)

	cancel()
	out := waitOutcome(t, q)
	assert.True(t, out.Cancelled)
	assert.False(t, out.Success)
}

func TestQuery_StderrClassification(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   ErrorKind
	}{
		{
			name:   "auth needed",
			script: `echo "Authentication required" >&2; exit 1`,
			want:   ErrorKindAuthNeeded,
		},
		{
			name:   "resume failed",
			script: `echo "session sess-9 is invalid" >&2; exit 1`,
			want:   ErrorKindResumeFail,
		},
		{
			name:   "cli not found via stderr",
			script: `echo "claude: not found" >&2; exit 127`,
			want:   ErrorKindCLINotFound,
		},
		{
			name:   "unknown",
			script: `exit 3`,
			want:   ErrorKindUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := stubAdapter(t, tt.script)
			q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, nil)
			require.NoError(t, err)

			out := waitOutcome(t, q)
			assert.False(t, out.Success)
			assert.Equal(t, tt.want, out.ErrorKind)
			assert.NotZero(t, out.ExitCode)
		})
	}
}

func TestQuery_ErrorResultEvent(t *testing.T) {
	a := stubAdapter(t, `printf '%s\n' '{"type":"result","subtype":"error_during_execution","errors":["boom"],"session_id":"sess-err"}'`)

	sink := &eventSink{}
	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, sink.handle)
	require.NoError(t, err)

	out := waitOutcome(t, q)
	assert.False(t, out.Success)
	assert.Equal(t, []string{"boom"}, out.Errors)
	assert.Equal(t, "sess-err", q.SessionID())
	// The process exited cleanly, so the result's errors stand alone
	// with no process-level classification.
	assert.Equal(t, ErrorKindNone, out.ErrorKind)
	assert.Zero(t, out.ExitCode)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestQuery_StartErrorNotFound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CLIPath = filepath.Join(t.TempDir(), "missing-binary")
	a := NewAdapter(cfg)

	_, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrorKindCLINotFound, ClassifyStartError(err))
}

func TestQuery_EnvStripped(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("CI", "true")

	a := stubAdapter(t, `if [ -z "$ANTHROPIC_API_KEY" ] && [ -z "$CI" ]; then
printf '%s\n' '{"type":"result","subtype":"success","result":"clean","session_id":"sess-env"}'
else
exit 1
fi`)

	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, nil)
	require.NoError(t, err)

	out := waitOutcome(t, q)
	require.True(t, out.Success)
	assert.Equal(t, "clean", out.Result)
}

func TestQuery_SendInputNotSupported(t *testing.T) {
	a := stubAdapter(t, `printf '%s\n' '{"type":"result","subtype":"success","result":"ok"}'`)

	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, nil)
	require.NoError(t, err)
	defer waitOutcome(t, q)

	assert.ErrorIs(t, q.SendInput("more"), ErrNotSupported)
}

func TestQuery_HandlerPanicContained(t *testing.T) {
	a := stubAdapter(t, `printf '%s\n' '{"type":"result","subtype":"success","result":"ok","session_id":"sess-1"}'`)

	q, err := a.StartQuery(context.Background(), Options{Prompt: "hi"}, func(Event) { panic("boom") })
	require.NoError(t, err)

	out := waitOutcome(t, q)
	assert.True(t, out.Success, "handler panic does not sink the query")
}

func TestQuery_EmptyPromptRejected(t *testing.T) {
	a := stubAdapter(t, `exit 0`)
	_, err := a.StartQuery(context.Background(), Options{}, nil)
	assert.Error(t, err)
}
