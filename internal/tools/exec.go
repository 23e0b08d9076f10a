package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/trust"
)

var _ agent.Tool = (*ShellTool)(nil)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 10 * time.Minute
	maxShellOutput      = 16 * 1024
)

// ShellTool runs a command through sh -c. It carries the shell
// capability, so every call goes through the approval handshake unless
// the user has standing approval.
type ShellTool struct {
	workdir string
}

// NewShellTool creates the shell_exec tool. workdir is the default
// working directory; empty means the process working directory.
func NewShellTool(workdir string) *ShellTool {
	return &ShellTool{workdir: workdir}
}

func (t *ShellTool) Name() string { return "shell_exec" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its output and exit code. Commands are killed at the timeout."
}

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"timeout_seconds": {"type": "integer", "description": "Kill the command after this many seconds (default 60, max 600)"}
		},
		"required": ["command"]
	}`)
}

func (t *ShellTool) Level() trust.Level               { return trust.LevelElevated }
func (t *ShellTool) Capabilities() []trust.Capability { return []trust.Capability{trust.CapabilityShell} }

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	timeout := defaultShellTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workdir
	stdout := newLimitedBuffer(maxShellOutput)
	stderr := newLimitedBuffer(maxShellOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	var out strings.Builder
	code := exitCode(err)
	fmt.Fprintf(&out, "exit %d in %s\n", code, time.Since(start).Round(time.Millisecond))
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(&out, "killed after %s timeout\n", timeout)
	}
	if s := stdout.String(); s != "" {
		out.WriteString("stdout:\n" + s + "\n")
	}
	if s := stderr.String(); s != "" {
		out.WriteString("stderr:\n" + s + "\n")
	}

	result := &agent.ToolResult{Content: strings.TrimRight(out.String(), "\n")}
	if err != nil {
		result.IsError = true
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first max bytes written and notes how much
// was dropped.
type limitedBuffer struct {
	mu      sync.Mutex
	buf     strings.Builder
	max     int
	dropped int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += len(p) - room
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return b.buf.String() + fmt.Sprintf("\n[%d bytes truncated]", b.dropped)
	}
	return b.buf.String()
}
