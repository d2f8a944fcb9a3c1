package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// maxOutputBytes truncates runaway program output.
const maxOutputBytes = 64 * 1024

// ProcessRunner executes snippets with the configured interpreter inside a
// throwaway working directory.
type ProcessRunner struct {
	interpreter string
	workdir     string
	timeout     time.Duration
}

// NewProcessRunner creates a runner with its own workspace directory.
func NewProcessRunner(interpreter string, timeout time.Duration) (*ProcessRunner, error) {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	workdir, err := tempWorkspace()
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &ProcessRunner{interpreter: interpreter, workdir: workdir, timeout: timeout}, nil
}

// Run writes the snippet to the workspace and executes it under the
// runner's timeout.
func (r *ProcessRunner) Run(ctx context.Context, code string) (*ExecResult, error) {
	script := filepath.Join(r.workdir, "snippet.py")
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write snippet: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter, script)
	cmd.Dir = r.workdir
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + r.workdir}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("execute snippet: %w", err)
	}
	return result, nil
}

// Teardown removes the workspace directory.
func (r *ProcessRunner) Teardown() error {
	if r.workdir == "" {
		return nil
	}
	err := os.RemoveAll(r.workdir)
	r.workdir = ""
	return err
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... output truncated"
}
