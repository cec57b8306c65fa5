// Package config holds the per-deployment site configuration: scheduler
// resource defaults, tracking database location, mount-prefix remapping and
// per-task settings. Configuration is explicit: a Config value is passed to
// whoever needs it, there is no global lookup.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	// WorkingDirectory is the default parent directory under which task
	// working directories are allocated. Empty means the current directory.
	WorkingDirectory string `toml:"working_directory"`

	Slurm     Slurm     `toml:"slurm"`
	Tracking  Tracking  `toml:"tracking"`
	Telemetry Telemetry `toml:"telemetry"`

	// MountPrefixes remaps filesystem mount prefixes so paths handed to
	// the scheduler or the tracking store use the canonical mount point.
	MountPrefixes []MountPrefix `toml:"mount_prefixes"`

	// Tasks holds per-task-type settings keyed by task type name.
	Tasks map[string]Task `toml:"tasks"`
}

type Slurm struct {
	Partition string `toml:"partition"`
	Exclusive bool   `toml:"exclusive"`
	MemMB     int    `toml:"mem_mb"`
	Nodes     int    `toml:"nodes"`
	Cores     int    `toml:"cores"`
	// Time is the wall-clock limit in sbatch format, e.g. "01:00:00".
	Time string `toml:"time"`
	// HostPollSeconds is the squeue polling interval while the execution
	// host is not yet assigned.
	HostPollSeconds float64 `toml:"host_poll_seconds"`
}

type Tracking struct {
	// Database is the path of the sqlite tracking database. Empty disables
	// tracking.
	Database string `toml:"database"`
}

type Telemetry struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

type MountPrefix struct {
	Prefix      string `toml:"prefix"`
	Replacement string `toml:"replacement"`
}

type Task struct {
	// TimeoutSeconds bounds one invocation of this task type. Zero means no
	// configured timeout.
	TimeoutSeconds float64 `toml:"timeout_seconds"`
	// Setup is prepended to the task's command line, typically a module
	// load or environment activation.
	Setup string `toml:"setup"`
	// Executable overrides the default program name for the task type.
	Executable string `toml:"executable"`
	// Partition overrides the default scheduler partition.
	Partition string `toml:"partition"`
}

// Task returns the settings for the named task type, zero value when absent.
func (c Config) Task(name string) Task {
	if c.Tasks == nil {
		return Task{}
	}
	return c.Tasks[name]
}

func Default() Config {
	return Config{
		Slurm: Slurm{
			MemMB:           4000,
			Nodes:           1,
			Cores:           10,
			Time:            "01:00:00",
			HostPollSeconds: 1,
		},
		Telemetry: Telemetry{OTLPEndpoint: "http://127.0.0.1:4318"},
	}
}

var ErrInvalid = errors.New("invalid config")

// Load reads a TOML config file and merges it over the defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return merge(cfg, parsed), nil
}

func merge(def Config, cfg Config) Config {
	if cfg.WorkingDirectory != "" {
		def.WorkingDirectory = cfg.WorkingDirectory
	}
	if cfg.Slurm.Partition != "" {
		def.Slurm.Partition = cfg.Slurm.Partition
	}
	def.Slurm.Exclusive = cfg.Slurm.Exclusive
	if cfg.Slurm.MemMB != 0 {
		def.Slurm.MemMB = cfg.Slurm.MemMB
	}
	if cfg.Slurm.Nodes != 0 {
		def.Slurm.Nodes = cfg.Slurm.Nodes
	}
	if cfg.Slurm.Cores != 0 {
		def.Slurm.Cores = cfg.Slurm.Cores
	}
	if cfg.Slurm.Time != "" {
		def.Slurm.Time = cfg.Slurm.Time
	}
	if cfg.Slurm.HostPollSeconds != 0 {
		def.Slurm.HostPollSeconds = cfg.Slurm.HostPollSeconds
	}
	if cfg.Tracking.Database != "" {
		def.Tracking.Database = cfg.Tracking.Database
	}
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if len(cfg.MountPrefixes) != 0 {
		def.MountPrefixes = cfg.MountPrefixes
	}
	if len(cfg.Tasks) != 0 {
		def.Tasks = cfg.Tasks
	}
	return def
}
