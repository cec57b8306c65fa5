package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Missing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := Default()
	if cfg.Slurm.MemMB != def.Slurm.MemMB {
		t.Fatalf("unexpected default mem: %d", cfg.Slurm.MemMB)
	}
	if cfg.Slurm.Time != "01:00:00" {
		t.Fatalf("unexpected default time: %s", cfg.Slurm.Time)
	}
}

func TestLoad_Overrides(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "mxproc.toml")
	content := `
working_directory = "/data/proc"

[slurm]
partition = "fujitsu"
exclusive = true
cores = 40

[tracking]
database = "/data/proc/tracking.db"

[[mount_prefixes]]
prefix = "/gpfs/offline1/data"
replacement = "/data"

[tasks.AlphaFoldPrediction]
timeout_seconds = 86400
setup = "module load AlphaFold"
partition = "v100"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkingDirectory != "/data/proc" {
		t.Fatalf("working_directory not applied: %s", cfg.WorkingDirectory)
	}
	if cfg.Slurm.Partition != "fujitsu" || !cfg.Slurm.Exclusive || cfg.Slurm.Cores != 40 {
		t.Fatalf("slurm overrides not applied: %+v", cfg.Slurm)
	}
	// untouched keys keep defaults
	if cfg.Slurm.MemMB != Default().Slurm.MemMB {
		t.Fatalf("mem default lost: %d", cfg.Slurm.MemMB)
	}
	tc := cfg.Task("AlphaFoldPrediction")
	if tc.TimeoutSeconds != 86400 || tc.Partition != "v100" {
		t.Fatalf("task section not applied: %+v", tc)
	}
	if cfg.Task("NoSuchTask").Setup != "" {
		t.Fatalf("expected zero value for unknown task")
	}
	if len(cfg.MountPrefixes) != 1 || cfg.MountPrefixes[0].Prefix != "/gpfs/offline1/data" {
		t.Fatalf("mount prefixes not applied: %+v", cfg.MountPrefixes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "mxproc.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
