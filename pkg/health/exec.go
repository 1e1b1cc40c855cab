package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxMessageOutput bounds how much command output goes into Result.Message
const maxMessageOutput = 512

// ExecChecker runs a command on the host; exit status zero is healthy
type ExecChecker struct {
	// Command is the command to execute (e.g., ["haproxy", "-c", "-f", "/etc/haproxy/haproxy.cfg"])
	Command []string

	// Timeout is the command execution timeout (default: 60 seconds)
	Timeout time.Duration
}

// NewExecChecker creates a new exec checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 60 * time.Second,
	}
}

// Check runs the command
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	out := strings.TrimSpace(output.String())

	message := fmt.Sprintf("command %q", strings.Join(e.Command, " "))
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			message = fmt.Sprintf("%s timed out after %s", message, e.Timeout)
		} else {
			message = fmt.Sprintf("%s failed: %v", message, err)
		}
	}
	if out != "" {
		message = fmt.Sprintf("%s: %s", message, truncate(out, maxMessageOutput))
	}

	return Result{
		Healthy:   err == nil,
		Message:   message,
		Output:    out,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
