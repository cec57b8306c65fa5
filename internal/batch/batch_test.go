package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dominiquefastus/mxproc/internal/config"
)

// fakeScheduler plays sbatch and squeue. The first squeue calls report no
// assigned node yet, later ones report the host.
type fakeScheduler struct {
	mu          sync.Mutex
	jobID       int
	exitCode    int
	squeueCalls int
	pendingFor  int
	scripts     []string
	dir         string
}

func (f *fakeScheduler) Run(ctx context.Context, dir, script string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(script, "sbatch"):
		fields := strings.Fields(script)
		b, err := os.ReadFile(fields[len(fields)-1])
		if err != nil {
			return -1, err
		}
		f.scripts = append(f.scripts, string(b))
		fmt.Fprintf(stdout, "%s %d\n", submitMarker, f.jobID)
		name := jobNameFromScript(string(b))
		_ = os.WriteFile(filepath.Join(f.dir, fmt.Sprintf("%s_%d.out", name, f.jobID)), []byte("remote stdout\n"), 0o644)
		_ = os.WriteFile(filepath.Join(f.dir, fmt.Sprintf("%s_%d.err", name, f.jobID)), []byte("remote stderr\n"), 0o644)
		if f.exitCode != 0 {
			return f.exitCode, fmt.Errorf("exit %d", f.exitCode)
		}
		return 0, nil
	case strings.HasPrefix(script, "squeue"):
		f.squeueCalls++
		if f.squeueCalls <= f.pendingFor {
			fmt.Fprintf(stdout, "JOBID PARTITION NAME ST NODELIST(REASON)\n%d all job PD (None)\n", f.jobID)
		} else {
			fmt.Fprintf(stdout, "JOBID PARTITION NAME ST NODELIST(REASON)\n%d all job R cn042\n", f.jobID)
		}
		return 0, nil
	}
	return -1, fmt.Errorf("unexpected script %q", script)
}

func jobNameFromScript(script string) string {
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(line, "#SBATCH --job-name=") {
			return strings.Trim(strings.TrimPrefix(line, "#SBATCH --job-name="), `"`)
		}
	}
	return ""
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Slurm.HostPollSeconds = 0.01
	return cfg
}

func TestSubmit_ParsesJobIDAndHost(t *testing.T) {
	d := t.TempDir()
	fake := &fakeScheduler{jobID: 4242, pendingFor: 2, dir: d}
	s := New(fake, testConfig())

	logPath := filepath.Join(d, "Aimless.log.txt")
	errPath := filepath.Join(d, "Aimless.error.txt")
	job, err := s.Submit(context.Background(), Options{
		JobName:          "mxproc_Aimless",
		Command:          "aimless HKLIN in.mtz HKLOUT out.mtz",
		WorkingDirectory: d,
		LogPath:          logPath,
		ErrorLogPath:     errPath,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != 4242 {
		t.Fatalf("job id %d", job.ID)
	}
	if job.Host != "cn042" {
		t.Fatalf("host %q", job.Host)
	}
	if job.LogFileName != "mxproc_Aimless_4242.out" {
		t.Fatalf("log file name %q", job.LogFileName)
	}
	if job.ExitCode != 0 {
		t.Fatalf("exit code %d", job.ExitCode)
	}
	b, err := os.ReadFile(logPath)
	if err != nil || !strings.Contains(string(b), "remote stdout") {
		t.Fatalf("remote log not copied: %v %q", err, b)
	}
	b, err = os.ReadFile(errPath)
	if err != nil || !strings.Contains(string(b), "remote stderr") {
		t.Fatalf("remote error log not copied: %v %q", err, b)
	}
	if _, err := os.Stat(filepath.Join(d, "mxproc_Aimless_slurm.sh")); err != nil {
		t.Fatalf("job script missing: %v", err)
	}
}

func TestSubmit_NonZeroExitIsNotAnError(t *testing.T) {
	d := t.TempDir()
	fake := &fakeScheduler{jobID: 7, exitCode: 2, dir: d}
	s := New(fake, testConfig())
	job, err := s.Submit(context.Background(), Options{JobName: "mxproc_XDS", Command: "xds_par", WorkingDirectory: d})
	if err != nil {
		t.Fatalf("submit must not escalate scheduler exit codes: %v", err)
	}
	if job.ExitCode != 2 {
		t.Fatalf("exit code %d, want 2", job.ExitCode)
	}
}

func TestScript_Directives(t *testing.T) {
	cfg := testConfig()
	cfg.Slurm.Partition = "mx"
	cfg.Slurm.Time = "02:00:00"
	cfg.MountPrefixes = []config.MountPrefix{{Prefix: "/gpfs/easy/data", Replacement: "/data"}}
	s := New(&fakeScheduler{}, cfg)

	script := s.Script(Options{
		JobName:          "mxproc_AlphaFoldPrediction",
		Command:          "alphafold --fasta_paths=seq.fasta",
		WorkingDirectory: "/gpfs/easy/data/visitor/mx415/run1",
		Partition:        "v100",
		Time:             "01-00:00",
	})
	for _, want := range []string{
		"#!/bin/bash\n",
		"#SBATCH --job-name=\"mxproc_AlphaFoldPrediction\"\n",
		"#SBATCH --partition=v100\n",
		"#SBATCH --mem=4000\n",
		"#SBATCH --nodes=1\n",
		"#SBATCH --cpus-per-task=10\n",
		"#SBATCH --time=01-00:00\n",
		"#SBATCH --chdir=/data/visitor/mx415/run1\n",
		"#SBATCH --output=mxproc_AlphaFoldPrediction_%j.out\n",
		"#SBATCH --error=mxproc_AlphaFoldPrediction_%j.err\n",
		"alphafold --fasta_paths=seq.fasta\n",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestScript_Exclusive(t *testing.T) {
	cfg := testConfig()
	cfg.Slurm.Exclusive = true
	s := New(&fakeScheduler{}, cfg)
	script := s.Script(Options{JobName: "j", Command: "true"})
	if !strings.Contains(script, "#SBATCH --exclusive\n") || !strings.Contains(script, "#SBATCH --mem=0\n") {
		t.Fatalf("exclusive directives missing:\n%s", script)
	}
	if strings.Contains(script, "cpus-per-task") {
		t.Fatalf("exclusive script must not pin cpus:\n%s", script)
	}
}

func TestHostFromSqueue(t *testing.T) {
	out := "JOBID PARTITION NAME ST NODELIST(REASON)\n99 mx xds R cn007\n"
	if got := hostFromSqueue(out, 99); got != "cn007" {
		t.Fatalf("got %q", got)
	}
	pending := "JOBID PARTITION NAME ST NODELIST(REASON)\n99 mx xds PD (Priority)\n"
	if got := hostFromSqueue(pending, 99); got != "" {
		t.Fatalf("pending job must not report host, got %q", got)
	}
	if got := hostFromSqueue("JOBID ...\n", 99); got != "" {
		t.Fatalf("missing job must not report host, got %q", got)
	}
}
