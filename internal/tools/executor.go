// Package tools runs gated shell commands on the host or in a Docker sandbox.
package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Executor runs one shell command in workDir. A non-zero exit is reported
// through exitCode; err is reserved for failures to run at all.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands with sh -c on the local machine.
type HostExecutor struct {
	// WaitDelay bounds how long Exec waits for output pipes after the
	// command is killed. Zero means two seconds.
	WaitDelay time.Duration
}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = workDir
	c.WaitDelay = h.WaitDelay
	if c.WaitDelay <= 0 {
		c.WaitDelay = 2 * time.Second
	}

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	runErr := c.Run()
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		exitCode = -1
		err = runErr
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}
