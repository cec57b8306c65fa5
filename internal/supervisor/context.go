package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dominiquefastus/mxproc/internal/batch"
	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/filewait"
	"github.com/dominiquefastus/mxproc/internal/logging"
	"github.com/dominiquefastus/mxproc/internal/runner"
	"github.com/dominiquefastus/mxproc/internal/tracking"
)

// stdinSentinel delimits heredoc input appended to a command line.
const stdinSentinel = "EOF-mxproc"

// ExecError reports a command that ran but exited non-zero.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// Context is what a running task sees of its invocation: the working
// directory, the effective configuration, and helpers for running command
// lines locally or through the batch scheduler.
type Context struct {
	taskType string
	dir      string
	cfg      config.Config

	runner    runner.CommandRunner
	submitter *batch.Submitter
	log       *slog.Logger

	trackerOnce sync.Once
	tracker     *tracking.Store
	trackerErr  error

	lastJob *batch.Job
}

// ContextOption adjusts a Context, mainly for tests.
type ContextOption func(*Context)

// WithCommandRunner substitutes the runner used for local and batch command
// lines.
func WithCommandRunner(r runner.CommandRunner) ContextOption {
	return func(tc *Context) {
		tc.runner = r
		tc.submitter = batch.New(r, tc.cfg)
	}
}

// WithTracker substitutes the tracking store.
func WithTracker(t *tracking.Store) ContextOption {
	return func(tc *Context) {
		tc.trackerOnce.Do(func() {})
		tc.tracker = t
	}
}

// NewContext builds the invocation context for a task running in dir.
func NewContext(taskType, dir string, cfg config.Config, opts ...ContextOption) *Context {
	tc := &Context{
		taskType: taskType,
		dir:      dir,
		cfg:      cfg,
		runner:   runner.Shell{},
		log:      logging.New("task." + taskType),
	}
	tc.submitter = batch.New(tc.runner, cfg)
	for _, o := range opts {
		o(tc)
	}
	return tc
}

// WorkingDirectory returns the invocation's working directory.
func (tc *Context) WorkingDirectory() string { return tc.dir }

// Config returns the effective configuration.
func (tc *Context) Config() config.Config { return tc.cfg }

// TaskConfig returns the per-task configuration section, zero when absent.
func (tc *Context) TaskConfig() config.Task { return tc.cfg.Task(tc.taskType) }

// Logger returns a logger scoped to this task type.
func (tc *Context) Logger() *slog.Logger { return tc.log }

// LogPath is the default stdout capture file for this invocation.
func (tc *Context) LogPath() string {
	return filepath.Join(tc.dir, tc.taskType+".log.txt")
}

// ErrorLogPath is the default stderr capture file for this invocation.
func (tc *Context) ErrorLogPath() string {
	return filepath.Join(tc.dir, tc.taskType+".error.txt")
}

// LastJob returns the most recent batch job submitted through this context,
// nil when nothing was submitted.
func (tc *Context) LastJob() *batch.Job { return tc.lastJob }

// Tracker lazily opens the tracking store named in the configuration. It
// returns nil without error when tracking is not configured.
func (tc *Context) Tracker() (*tracking.Store, error) {
	tc.trackerOnce.Do(func() {
		if tc.cfg.Tracking.Database == "" {
			return
		}
		tc.tracker, tc.trackerErr = tracking.Open(tc.cfg.Tracking.Database)
	})
	return tc.tracker, tc.trackerErr
}

// Close releases resources held by the context.
func (tc *Context) Close() error {
	if tc.tracker != nil {
		return tc.tracker.Close()
	}
	return nil
}

type runOptions struct {
	logPath      string
	errorLogPath string
	stdinLines   []string
	ignoreErrors bool
	submit       bool
	partition    string
	jobName      string
	timeLimit    string
}

// RunOption adjusts one RunCommandLine or SubmitCommandLine call.
type RunOption func(*runOptions)

// WithLogPath redirects the command's stdout capture.
func WithLogPath(p string) RunOption { return func(o *runOptions) { o.logPath = p } }

// WithErrorLogPath redirects the command's stderr capture.
func WithErrorLogPath(p string) RunOption { return func(o *runOptions) { o.errorLogPath = p } }

// WithStdinLines feeds the lines to the command on stdin through a heredoc,
// preserving the exact text in the persisted command line.
func WithStdinLines(lines ...string) RunOption {
	return func(o *runOptions) { o.stdinLines = append(o.stdinLines, lines...) }
}

// WithIgnoreErrors keeps a non-zero exit code from failing the call.
func WithIgnoreErrors() RunOption { return func(o *runOptions) { o.ignoreErrors = true } }

// WithSubmit routes the command through the batch scheduler instead of
// running it locally.
func WithSubmit() RunOption { return func(o *runOptions) { o.submit = true } }

// WithPartition selects the scheduler partition for a batch submission.
func WithPartition(p string) RunOption { return func(o *runOptions) { o.partition = p } }

// WithJobName names the batch job, default "mxproc_<taskType>".
func WithJobName(n string) RunOption { return func(o *runOptions) { o.jobName = n } }

// WithTimeLimit overrides the batch wall-clock limit (sbatch format).
func WithTimeLimit(t string) RunOption { return func(o *runOptions) { o.timeLimit = t } }

// composeCommandLine appends heredoc stdin to the base command.
func composeCommandLine(command string, stdinLines []string) string {
	if len(stdinLines) == 0 {
		return command
	}
	var b strings.Builder
	b.WriteString(command)
	b.WriteString(" << ")
	b.WriteString(stdinSentinel)
	b.WriteString("\n")
	for _, line := range stdinLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(stdinSentinel)
	return b.String()
}

// RunCommandLine runs a shell command line in the working directory, with
// stdout and stderr captured to the invocation's log files. A non-zero exit
// fails the call unless WithIgnoreErrors is set.
func (tc *Context) RunCommandLine(ctx context.Context, command string, opts ...RunOption) error {
	o := runOptions{logPath: tc.LogPath(), errorLogPath: tc.ErrorLogPath()}
	for _, fn := range opts {
		fn(&o)
	}
	full := composeCommandLine(command, o.stdinLines)
	if err := tc.persistCommandLine(full); err != nil {
		return err
	}
	if o.submit {
		return tc.submit(ctx, full, o)
	}

	tc.log.Info("running command", "command", firstWord(command))
	logFile, err := os.Create(o.logPath)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()
	errFile, err := os.Create(o.errorLogPath)
	if err != nil {
		return fmt.Errorf("create error log file: %w", err)
	}
	defer errFile.Close()

	code, runErr := tc.runner.Run(ctx, tc.dir, full, logFile, errFile)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if code < 0 {
		return fmt.Errorf("run %s: %w", firstWord(command), runErr)
	}
	if code != 0 {
		if o.ignoreErrors {
			tc.log.Warn("command exited non-zero", "command", firstWord(command), "exitCode", code)
			return nil
		}
		return &ExecError{
			Command:  firstWord(command),
			ExitCode: code,
			Stderr:   tailOfFile(o.errorLogPath),
		}
	}
	return nil
}

// SubmitCommandLine runs the command line as a batch job through the
// scheduler, blocking until the job finishes. The scheduler's own exit code
// never fails the call; inspect the returned Job to escalate.
func (tc *Context) SubmitCommandLine(ctx context.Context, command string, opts ...RunOption) (*batch.Job, error) {
	o := runOptions{logPath: tc.LogPath(), errorLogPath: tc.ErrorLogPath()}
	for _, fn := range opts {
		fn(&o)
	}
	full := composeCommandLine(command, o.stdinLines)
	if err := tc.persistCommandLine(full); err != nil {
		return nil, err
	}
	if err := tc.submit(ctx, full, o); err != nil {
		return nil, err
	}
	return tc.lastJob, nil
}

func (tc *Context) submit(ctx context.Context, command string, o runOptions) error {
	jobName := o.jobName
	if jobName == "" {
		jobName = "mxproc_" + tc.taskType
	}
	partition := o.partition
	if partition == "" {
		partition = tc.TaskConfig().Partition
	}
	job, err := tc.submitter.Submit(ctx, batch.Options{
		JobName:          jobName,
		Command:          command,
		WorkingDirectory: tc.dir,
		Partition:        partition,
		Time:             o.timeLimit,
		LogPath:          o.logPath,
		ErrorLogPath:     o.errorLogPath,
		IgnoreErrors:     o.ignoreErrors,
	})
	if err != nil {
		return err
	}
	tc.lastJob = job
	return nil
}

// persistCommandLine records the exact composed command line next to the
// logs for reproducibility.
func (tc *Context) persistCommandLine(command string) error {
	path := filepath.Join(tc.dir, tc.taskType+".commandLine.txt")
	if err := os.WriteFile(path, []byte(command+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist command line: %w", err)
	}
	return nil
}

// WaitForFile blocks until path appears and stabilizes, see filewait.Wait.
func (tc *Context) WaitForFile(ctx context.Context, path string, expectedSize int64, timeout time.Duration) error {
	return filewait.Wait(ctx, path, expectedSize, timeout)
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}

// tailOfFile returns up to the last kilobyte of the file for error messages.
func tailOfFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	const max = 1024
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return strings.TrimSpace(string(b))
}
