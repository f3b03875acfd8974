// Package broker mediates host command execution and package installation.
// Both brokers share the three-branch pipeline (deny rule, allow rule,
// permission queue) and the subprocess runner.
package broker

import (
	"bytes"
	"errors"
	"os/exec"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/types"
)

// DefaultTimeout bounds a subprocess when the caller does not set one.
const DefaultTimeout = 5 * time.Minute

// timeoutExitCode mirrors the shell convention for killed-by-timeout.
const timeoutExitCode = 124

// runCommand executes command via `sh -c` with an optional working
// directory, capturing both streams. A timeout kills the process, appends a
// marker to stderr, and reports exit code 124. A spawn failure reports -1.
func runCommand(command, cwd string, timeout time.Duration) types.ExecResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command("sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return types.ExecResult{ExitCode: -1, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		return types.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		return types.ExecResult{
			ExitCode: timeoutExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + "\n[timed out]",
		}
	}
}
