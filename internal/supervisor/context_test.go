package supervisor_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

// scriptedRunner records the scripts it receives and plays back canned
// output and exit codes.
type scriptedRunner struct {
	scripts  []string
	stdout   string
	stderr   string
	exitCode int
}

func (r *scriptedRunner) Run(ctx context.Context, dir, script string, stdout, stderr io.Writer) (int, error) {
	r.scripts = append(r.scripts, script)
	io.WriteString(stdout, r.stdout)
	io.WriteString(stderr, r.stderr)
	if r.exitCode != 0 {
		return r.exitCode, errors.New("exit status")
	}
	return 0, nil
}

func newTestContext(t *testing.T, r *scriptedRunner) *supervisor.Context {
	t.Helper()
	return supervisor.NewContext("Xds", t.TempDir(), config.Default(), supervisor.WithCommandRunner(r))
}

func TestRunCommandLineCapturesLogs(t *testing.T) {
	r := &scriptedRunner{stdout: "processing done\n", stderr: "minor warning\n"}
	tc := newTestContext(t, r)
	if err := tc.RunCommandLine(context.Background(), "xds_par"); err != nil {
		t.Fatalf("RunCommandLine: %v", err)
	}
	log, err := os.ReadFile(tc.LogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(log) != "processing done\n" {
		t.Errorf("log = %q", log)
	}
	errLog, err := os.ReadFile(tc.ErrorLogPath())
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if string(errLog) != "minor warning\n" {
		t.Errorf("error log = %q", errLog)
	}
}

func TestRunCommandLinePersistsCommand(t *testing.T) {
	r := &scriptedRunner{}
	tc := newTestContext(t, r)
	if err := tc.RunCommandLine(context.Background(), "pointless xdsin XDS_ASCII.HKL",
		supervisor.WithStdinLines("setting symmetry-based", "neggamma")); err != nil {
		t.Fatalf("RunCommandLine: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(tc.WorkingDirectory(), "Xds.commandLine.txt"))
	if err != nil {
		t.Fatalf("read command line file: %v", err)
	}
	got := string(b)
	want := "pointless xdsin XDS_ASCII.HKL << EOF-mxproc\nsetting symmetry-based\nneggamma\nEOF-mxproc\n"
	if got != want {
		t.Errorf("persisted command line = %q, want %q", got, want)
	}
	if len(r.scripts) != 1 || r.scripts[0] != strings.TrimSuffix(want, "\n") {
		t.Errorf("executed script = %q", r.scripts)
	}
}

func TestRunCommandLineNonZeroExit(t *testing.T) {
	r := &scriptedRunner{stderr: "cannot open image\n", exitCode: 2}
	tc := newTestContext(t, r)
	err := tc.RunCommandLine(context.Background(), "xds_par")
	var execErr *supervisor.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want ExecError", err)
	}
	if execErr.ExitCode != 2 || execErr.Command != "xds_par" {
		t.Errorf("ExecError = %+v", execErr)
	}
	if !strings.Contains(execErr.Stderr, "cannot open image") {
		t.Errorf("stderr not carried: %q", execErr.Stderr)
	}
}

func TestRunCommandLineIgnoreErrors(t *testing.T) {
	r := &scriptedRunner{exitCode: 1}
	tc := newTestContext(t, r)
	if err := tc.RunCommandLine(context.Background(), "xds_par", supervisor.WithIgnoreErrors()); err != nil {
		t.Fatalf("RunCommandLine with WithIgnoreErrors: %v", err)
	}
}

func TestRunCommandLineCustomLogPath(t *testing.T) {
	r := &scriptedRunner{stdout: "cycle output\n"}
	tc := newTestContext(t, r)
	custom := filepath.Join(tc.WorkingDirectory(), "cycle_2.log.txt")
	if err := tc.RunCommandLine(context.Background(), "aimless", supervisor.WithLogPath(custom)); err != nil {
		t.Fatalf("RunCommandLine: %v", err)
	}
	if _, err := os.Stat(custom); err != nil {
		t.Errorf("custom log path not written: %v", err)
	}
}
