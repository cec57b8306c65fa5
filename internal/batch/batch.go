// Package batch submits command lines to the SLURM scheduler and waits for
// them, bringing the remote job's logs back into the invocation's working
// directory.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/logging"
	"github.com/dominiquefastus/mxproc/internal/runner"
)

// submitMarker is the line sbatch prints once the job is accepted.
const submitMarker = "Submitted batch job"

const maxHostPolls = 60

// Submitter renders job scripts, submits them with blocking semantics and
// probes the scheduler for where the job landed.
type Submitter struct {
	Runner   runner.CommandRunner
	Slurm    config.Slurm
	Prefixes []config.MountPrefix

	hosts *cache.Cache
	log   *slog.Logger
}

func New(r runner.CommandRunner, cfg config.Config) *Submitter {
	return &Submitter{
		Runner:   r,
		Slurm:    cfg.Slurm,
		Prefixes: cfg.MountPrefixes,
		hosts:    cache.New(5*time.Minute, 10*time.Minute),
		log:      logging.New("batch"),
	}
}

// Options describes one batch submission.
type Options struct {
	// JobName names the job and its script/log files.
	JobName string
	// Command is the command line embedded in the job script.
	Command string
	// WorkingDirectory is where the script is written and the job runs.
	WorkingDirectory string
	// Partition overrides the configured default partition.
	Partition string
	// Time overrides the configured wall-clock limit (sbatch format).
	Time string
	// LogPath and ErrorLogPath receive copies of the job's remote stdout
	// and stderr after completion. Empty paths skip the copy.
	LogPath      string
	ErrorLogPath string
	// IgnoreErrors silences the warning on captured scheduler stderr.
	IgnoreErrors bool
}

// Job is the record of one submitted batch job.
type Job struct {
	ID               int
	Host             string
	LogFileName      string
	ErrorLogFileName string
	ExitCode         int
}

// Submit writes the job script, runs `sbatch --wait` and blocks until the
// job finishes. While the submission runs, the assigned execution host is
// probed through squeue. The scheduler's exit code is returned in the Job;
// a non-zero code is logged as a warning, not escalated — whether it fails
// the invocation is the caller's decision.
func (s *Submitter) Submit(ctx context.Context, opt Options) (*Job, error) {
	if opt.JobName == "" {
		opt.JobName = "mxproc"
	}
	script := s.Script(opt)
	shellFile := filepath.Join(opt.WorkingDirectory, opt.JobName+"_slurm.sh")
	if err := os.WriteFile(shellFile, []byte(script), 0o755); err != nil {
		return nil, fmt.Errorf("write job script: %w", err)
	}

	job := &Job{}
	var wg sync.WaitGroup
	watch := newMarkerWatcher(func(id int) {
		job.ID = id
		job.LogFileName = fmt.Sprintf("%s_%d.out", opt.JobName, id)
		job.ErrorLogFileName = fmt.Sprintf("%s_%d.err", opt.JobName, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Host = s.executionHost(ctx, id)
		}()
	})

	var stderr bytes.Buffer
	code, runErr := s.Runner.Run(ctx, opt.WorkingDirectory, "sbatch --wait "+shellFile, watch, &stderr)
	wg.Wait()
	job.ExitCode = code

	if code < 0 {
		return job, fmt.Errorf("sbatch: %w", runErr)
	}
	if job.ID != 0 {
		s.log.Debug("batch job finished", "jobName", opt.JobName, "jobId", job.ID, "host", job.Host, "exitCode", code)
	}
	s.copyRemoteLog(opt.WorkingDirectory, job.LogFileName, opt.LogPath)
	s.copyRemoteLog(opt.WorkingDirectory, job.ErrorLogFileName, opt.ErrorLogPath)
	if stderr.Len() > 0 && !opt.IgnoreErrors {
		s.log.Warn("error messages from scheduler", "jobName", opt.JobName, "stderr", stderr.String())
	}
	if code != 0 {
		s.log.Warn("batch job returned non-zero", "jobName", opt.JobName, "jobId", job.ID, "exitCode", code)
	}
	return job, nil
}

// executionHost polls squeue until the scheduler reports a node name for the
// job, retrying while the host is still unassigned. Known answers are cached
// so repeated lookups skip the scheduler.
func (s *Submitter) executionHost(ctx context.Context, id int) string {
	key := strconv.Itoa(id)
	if v, ok := s.hosts.Get(key); ok {
		return v.(string)
	}
	interval := time.Duration(s.Slurm.HostPollSeconds * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	for i := 0; i < maxHostPolls; i++ {
		res, err := runner.Capture(ctx, s.Runner, "", fmt.Sprintf("squeue -j %d", id))
		if err == nil {
			if host := hostFromSqueue(res.Stdout, id); host != "" {
				s.hosts.Set(key, host, cache.DefaultExpiration)
				return host
			}
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(interval):
		}
	}
	s.log.Warn("no execution host reported", "jobId", id)
	return ""
}

// hostFromSqueue extracts the node name from squeue output. Jobs without an
// assigned node show a parenthesized reason such as "(None)" in that column.
func hostFromSqueue(out string, id int) string {
	prefix := strconv.Itoa(id)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != prefix {
			continue
		}
		host := fields[len(fields)-1]
		if strings.HasPrefix(host, "(") {
			return ""
		}
		return host
	}
	return ""
}

func (s *Submitter) copyRemoteLog(dir, name, dst string) {
	if name == "" || dst == "" {
		return
	}
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		s.log.Warn("could not copy scheduler log", "source", name, "dest", dst, "err", err)
	}
}
