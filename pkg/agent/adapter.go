// Package agent owns the external agent subprocess: it builds the CLI
// invocation, frames the stream-json stdout, classifies failures, and
// reports usage. Nothing else in the system reads subprocess output.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// PermissionMode controls whether the CLI runs with permission prompts
// bypassed.
type PermissionMode string

const (
	PermissionDefault PermissionMode = "default"
	PermissionBypass  PermissionMode = "bypassPermissions"
)

// strippedEnvVars are removed from the child environment so the subprocess
// never uses host credentials and never adopts CI semantics.
var strippedEnvVars = []string{"ANTHROPIC_API_KEY", "CI"}

// Config holds the adapter settings.
type Config struct {
	// CLIPath is the agent binary, resolved via PATH when not absolute.
	CLIPath string `yaml:"cli_path"`
	// PermissionMode applies when a launch does not specify one. Bypass is
	// required for unattended tool use.
	PermissionMode PermissionMode `yaml:"permission_mode"`
	// QueryTimeout bounds a query when the launch does not specify one.
	// Zero disables the timeout.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// TermGrace is how long a signalled process gets before SIGKILL.
	TermGrace time.Duration `yaml:"term_grace"`
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		CLIPath:        "claude",
		PermissionMode: PermissionBypass,
		QueryTimeout:   30 * time.Minute,
		TermGrace:      10 * time.Second,
	}
}

// Options describe one query launch.
type Options struct {
	// Prompt is the user prompt, passed as the final positional argument.
	Prompt string
	// WorkDir is the project root the subprocess runs in.
	WorkDir string
	// Model selects the agent model; the default model adds no flag.
	Model models.Model
	// PermissionMode overrides the adapter config when non-empty.
	PermissionMode PermissionMode
	// ResumeSessionID resumes a prior agent session when non-empty.
	ResumeSessionID string
	// AllowedTools restricts the tool surface when non-empty.
	AllowedTools []string
	// AppendSystemPrompt is appended to the agent system prompt.
	AppendSystemPrompt string
	// Timeout overrides the adapter query timeout when positive.
	Timeout time.Duration
}

// Adapter spawns agent subprocesses. It is stateless; each StartQuery
// returns an independent Query handle.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

// NewAdapter creates an adapter.
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		logger: slog.Default().With("component", "agent"),
	}
}

// StartQuery spawns the agent CLI and begins streaming events to handler.
// The subprocess stdin is closed immediately; ctx cancellation terminates
// the subprocess with SIGTERM.
func (a *Adapter) StartQuery(ctx context.Context, opts Options, handler func(Event)) (*Query, error) {
	if opts.Prompt == "" {
		return nil, fmt.Errorf("agent query requires a prompt")
	}

	mode := opts.PermissionMode
	if mode == "" {
		mode = a.cfg.PermissionMode
	}
	args := buildArgs(opts, mode)

	cmd := exec.CommandContext(ctx, a.cfg.CLIPath, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = childEnv(os.Environ())
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = a.cfg.TermGrace

	stderr := newLimitedBuffer(stderrLimit)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}

	q := newQuery(ctx, cmd, handler, stderr, a.logger)
	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("agent CLI %q not found: %w", a.cfg.CLIPath, err)
		}
		return nil, fmt.Errorf("start agent CLI: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.cfg.QueryTimeout
	}
	if timeout > 0 {
		q.timer = time.AfterFunc(timeout, q.onTimeout)
	}

	a.logger.Info("agent query started",
		"model", opts.Model,
		"work_dir", opts.WorkDir,
		"resume", opts.ResumeSessionID != "",
		"timeout", timeout)

	go q.run(stdout)
	return q, nil
}

// buildArgs assembles the exact CLI flag surface. The prompt is the final
// positional argument with quotes escaped by doubling.
func buildArgs(opts Options, mode PermissionMode) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if mode == PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Model != "" && opts.Model != models.DefaultModel {
		args = append(args, "--model", string(opts.Model))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, opts.AllowedTools...)
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	args = append(args, escapePrompt(opts.Prompt))
	return args
}

// escapePrompt doubles quotes in the prompt.
func escapePrompt(prompt string) string {
	return strings.ReplaceAll(prompt, `"`, `""`)
}

// childEnv copies environ minus the stripped variables.
func childEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if isStripped(kv) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isStripped(kv string) bool {
	for _, name := range strippedEnvVars {
		if strings.HasPrefix(kv, name+"=") {
			return true
		}
	}
	return false
}
