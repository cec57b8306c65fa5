package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// Shell runs command lines through /bin/sh -c.
type Shell struct{}

// Run starts the script in its own process group so that cancellation can
// reach every process the script spawned, not just the shell.
func (Shell) Run(ctx context.Context, dir string, script string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.Command("/bin/sh", "-c", script)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %q: %w", firstWord(script), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		// kill the whole process group (negative pid)
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return -1, ctx.Err()
	case waitErr = <-done:
	}

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), waitErr
		}
	}
	return -1, waitErr
}

func firstWord(script string) string {
	for i, r := range script {
		if r == ' ' || r == '\n' {
			return script[:i]
		}
	}
	return script
}
