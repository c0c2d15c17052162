package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// DefaultTaskTimeout bounds one LLM invocation when the task sets none.
const DefaultTaskTimeout = 1800 * time.Second

// RunRequest describes one LLM tool invocation.
type RunRequest struct {
	Prompt     string
	WorkingDir string
	Timeout    time.Duration
}

// RunResult is the raw outcome of one LLM tool invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner invokes the external LLM tool. The tool is opaque: it receives the
// composed prompt on stdin, runs in the task's working directory, and its
// exit code reports whether the invocation itself succeeded. Verification
// decides the task outcome separately.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// CLIRunner runs the LLM tool as a subprocess with the two fixed flags that
// put it in non-interactive, permission-bypassing mode.
type CLIRunner struct {
	Command string
	Logger  arbor.ILogger
}

// NewCLIRunner creates a runner for the named command ("claude" by default).
func NewCLIRunner(command string, logger arbor.ILogger) *CLIRunner {
	if command == "" {
		command = "claude"
	}
	return &CLIRunner{Command: command, Logger: logger}
}

// Run spawns the tool, feeds the prompt on stdin, and waits within the
// timeout. Spawn failures return an error; everything else, including
// timeouts and non-zero exits, comes back in the result.
func (r *CLIRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Command, "--print", "--dangerously-skip-permissions")
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Info().Str("command", r.Command).Str("working_dir", req.WorkingDir).
		Dur("timeout", timeout).Msg("Invoking LLM tool")

	err := cmd.Run()

	result := &RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = -1
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to spawn %s: %w", r.Command, err)
		}
	}

	return result, nil
}
