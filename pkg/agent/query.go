package agent

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// stderrLimit caps how much subprocess stderr is retained for error
// classification.
const stderrLimit = 64 * 1024

// Outcome is the final result of one query, available once the subprocess
// has fully exited.
type Outcome struct {
	Success   bool          `json:"success"`
	Cancelled bool          `json:"cancelled,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Result    string        `json:"result,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
	Usage     models.Usage  `json:"usage,omitzero"`
	NumTurns  int           `json:"num_turns,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Stderr    string        `json:"stderr,omitempty"`
}

// Query is the handle for one running agent subprocess. Events stream to the
// attached handler in stdout order; the outcome becomes available on Done.
type Query struct {
	logger  *slog.Logger
	ctx     context.Context
	cmd     *exec.Cmd
	handler func(Event)
	stderr  *limitedBuffer
	started time.Time

	mu         sync.Mutex
	sessionID  string
	lastResult *Event
	partial    bytes.Buffer
	closed     bool

	timedOut atomic.Bool
	timer    *time.Timer

	done    chan struct{}
	outcome Outcome
}

func newQuery(ctx context.Context, cmd *exec.Cmd, handler func(Event), stderr *limitedBuffer, logger *slog.Logger) *Query {
	return &Query{
		logger:  logger,
		ctx:     ctx,
		cmd:     cmd,
		handler: handler,
		stderr:  stderr,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// SessionID returns the agent-assigned session id, empty until one is
// observed in a result message. Callers treat it as opaque.
func (q *Query) SessionID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionID
}

// IsRunning reports whether the subprocess has not yet fully exited.
func (q *Query) IsRunning() bool {
	select {
	case <-q.done:
		return false
	default:
		return true
	}
}

// Done is closed once the subprocess has fully exited and the outcome is
// set.
func (q *Query) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the subprocess exits or ctx is cancelled.
func (q *Query) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-q.done:
		return q.outcome, nil
	}
}

// Outcome returns the final outcome. Valid only after Done is closed.
func (q *Query) Outcome() Outcome {
	select {
	case <-q.done:
		return q.outcome
	default:
		return Outcome{}
	}
}

// Close requests termination with SIGTERM. It is idempotent and
// fire-and-forget; callers observe the exit via Done.
func (q *Query) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signalTerm()
}

// SendInput always fails: the CLI contract has no way to inject messages
// into a running query.
func (q *Query) SendInput(string) error {
	return ErrNotSupported
}

// run owns the subprocess stdout until exit. Started by the adapter.
func (q *Query) run(stdout io.Reader) {
	framer := NewLineFramer(q.onEvent)
	framer.SetTextSink(q.onText)
	_, copyErr := io.Copy(framer, stdout)
	framer.Flush()

	waitErr := q.cmd.Wait()
	if q.timer != nil {
		q.timer.Stop()
	}
	if copyErr != nil {
		q.logger.Debug("agent stdout read ended", "error", copyErr)
	}
	q.finish(waitErr)
}

// onEvent records session ids and terminal results, then forwards to the
// handler. Handler panics are contained.
func (q *Query) onEvent(ev Event) {
	q.mu.Lock()
	if ev.SessionID != "" && q.sessionID == "" {
		q.sessionID = ev.SessionID
	}
	if ev.Type == EventCompletion || ev.Type == EventError {
		last := ev
		q.lastResult = &last
	}
	handler := q.handler
	q.mu.Unlock()

	if handler != nil {
		q.safeHandle(handler, ev)
	}
}

// onText accumulates streamed assistant text so a timed-out query still
// carries the partial response.
func (q *Query) onText(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.partial.WriteString(text)
}

func (q *Query) safeHandle(handler func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("agent event handler panicked", "panic", r, "event_type", ev.Type)
		}
	}()
	handler(ev)
}

// finish computes the outcome exactly once and releases waiters.
func (q *Query) finish(waitErr error) {
	q.mu.Lock()
	out := Outcome{
		TimedOut: q.timedOut.Load(),
		Duration: time.Since(q.started),
		Stderr:   q.stderr.String(),
	}
	out.Cancelled = (q.closed || q.ctx.Err() != nil) && !out.TimedOut
	if state := q.cmd.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
	}
	if last := q.lastResult; last != nil {
		out.Success = last.Success && waitErr == nil
		out.Result = last.Result
		out.Errors = last.Errors
		out.Usage = last.Usage
		out.NumTurns = last.NumTurns
		if last.Duration > 0 {
			out.Duration = last.Duration
		}
	} else {
		out.Result = q.partial.String()
	}
	sessionID := q.sessionID
	q.mu.Unlock()

	// Classification covers process-level failures only. A clean exit
	// whose result line reports an error keeps the result's errors
	// without an ErrorKind.
	if !out.Success && !out.Cancelled && (waitErr != nil || out.TimedOut || out.ExitCode != 0) {
		out.ErrorKind = classifyFailure(waitErr, out.Stderr, out.TimedOut)
	}

	q.logger.Info("agent query finished",
		"session_id", sessionID,
		"success", out.Success,
		"cancelled", out.Cancelled,
		"error_kind", out.ErrorKind,
		"exit_code", out.ExitCode,
		"duration", out.Duration)

	q.outcome = out
	close(q.done)
}

func (q *Query) signalTerm() {
	if q.cmd.Process == nil {
		return
	}
	if err := q.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		q.logger.Debug("signal agent process", "error", err)
	}
}

func (q *Query) onTimeout() {
	q.timedOut.Store(true)
	q.logger.Warn("agent query timed out, sending SIGTERM", "session_id", q.SessionID())
	q.signalTerm()
}

// limitedBuffer is a concurrency-safe writer that retains only the first
// max bytes and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.max - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
