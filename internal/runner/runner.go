// Package runner executes external command lines synchronously, capturing
// their output and exit status.
package runner

import (
	"bytes"
	"context"
	"io"
)

// CommandRunner abstracts running shell command lines so the batch submitter
// and tests can inject fakes. Output is streamed to the writers while the
// command runs.
type CommandRunner interface {
	// Run executes script with /bin/sh semantics in dir. It returns the
	// exit code, or -1 when the command could not run or was cancelled.
	// A non-zero exit also yields a non-nil error.
	Run(ctx context.Context, dir string, script string, stdout, stderr io.Writer) (int, error)
}

// Result carries the captured output of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Capture runs script and buffers its output into a Result.
func Capture(ctx context.Context, r CommandRunner, dir, script string) (Result, error) {
	var stdout, stderr bytes.Buffer
	code, err := r.Run(ctx, dir, script, &stdout, &stderr)
	return Result{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, err
}
