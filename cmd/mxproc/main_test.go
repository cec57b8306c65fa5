package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/reexec"

	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

type cliEchoTask struct{}

func (cliEchoTask) Run(ctx context.Context, tc *supervisor.Context, in payload.Payload) (payload.Payload, error) {
	return payload.Payload{"echoed": in["message"]}, nil
}

func init() {
	supervisor.Register("CliEcho", func() supervisor.Task { return cliEchoTask{} })
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v\n%s", args, err, buf.String())
	}
	return buf.String()
}

func TestStagesListsBuiltins(t *testing.T) {
	out := execute(t, "stages")
	for _, want := range []string{"AlphaFoldPrediction", "Aimless", "XdsIndexAndIntegration", "CliEcho"} {
		if !strings.Contains(out, want) {
			t.Errorf("stages output missing %q:\n%s", want, out)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	out := execute(t, "version")
	if !strings.HasPrefix(out, "mxproc ") {
		t.Errorf("version output = %q", out)
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.json")
	if err := os.WriteFile(inPath, []byte(`{"message": "hello"}`), 0o644); err != nil {
		t.Fatalf("write inData: %v", err)
	}

	out := execute(t, "run", "CliEcho", "--in-data", inPath, "--working-dir", dir, "--suffix", "cli")
	if !strings.Contains(out, `"echoed": "hello"`) {
		t.Errorf("run output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "CliEcho_cli", "outDataCliEcho.json")); err != nil {
		t.Errorf("output payload not persisted: %v", err)
	}
}
