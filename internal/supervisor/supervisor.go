package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/logging"
	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/telemetry"
	"github.com/dominiquefastus/mxproc/internal/tracking"
)

// timeoutKey is the input payload key holding a per-invocation wall-clock
// budget in seconds.
const timeoutKey = "timeOut"

// Supervisor runs one task invocation in an isolated child process and
// records its outcome. A Supervisor is single-use and not safe for
// concurrent access; run sibling invocations with their own Supervisors.
type Supervisor struct {
	taskType  string
	inData    payload.Payload
	inDataRaw []byte
	suffix    string
	parentDir string
	timeout   time.Duration
	cfg       config.Config
	task      Task
	log       *slog.Logger

	cmd     *exec.Cmd
	resultR *os.File
	resCh   chan rawResult
	span    trace.Span

	started  bool
	joined   bool
	failure  bool
	timedOut bool

	outData          payload.Payload
	workingDirectory string
	message          string
}

type rawResult struct {
	data []byte
	err  error
}

// Option adjusts a new Supervisor.
type Option func(*Supervisor)

// WithSuffix makes the working directory name deterministic:
// <taskType>_<suffix>, numbered on collision.
func WithSuffix(s string) Option { return func(sv *Supervisor) { sv.suffix = s } }

// WithParentDir places the working directory under dir instead of the
// configured working directory.
func WithParentDir(dir string) Option { return func(sv *Supervisor) { sv.parentDir = dir } }

// WithTimeout sets the wall-clock budget, overriding both the payload's
// timeOut key and the per-task configuration.
func WithTimeout(d time.Duration) Option { return func(sv *Supervisor) { sv.timeout = d } }

// WithConfig sets the effective configuration for both parent and child.
func WithConfig(cfg config.Config) Option { return func(sv *Supervisor) { sv.cfg = cfg } }

// New prepares an invocation of the named task type. The input payload is
// snapshotted immediately, so later mutation by the caller does not reach
// the child. The timeout is resolved here: an explicit WithTimeout wins,
// then the payload's timeOut key (seconds), then the per-task configuration.
func New(taskType string, inData payload.Payload, opts ...Option) (*Supervisor, error) {
	factory, ok := Lookup(taskType)
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	if inData == nil {
		inData = payload.Payload{}
	}
	raw, err := inData.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode inData: %w", err)
	}
	snapshot, err := payload.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot inData: %w", err)
	}

	sv := &Supervisor{
		taskType:  taskType,
		inData:    snapshot,
		inDataRaw: raw,
		cfg:       config.Default(),
		task:      factory(),
		log:       logging.New("supervisor"),
	}
	for _, o := range opts {
		o(sv)
	}
	if sv.timeout == 0 {
		if secs, ok := snapshot.Float(timeoutKey); ok && secs > 0 {
			sv.timeout = time.Duration(secs * float64(time.Second))
		} else if secs := sv.cfg.Task(taskType).TimeoutSeconds; secs > 0 {
			sv.timeout = time.Duration(secs * float64(time.Second))
		}
	}
	return sv, nil
}

// Start launches the child process and returns without waiting for it.
// A child that cannot be launched at all surfaces here as an error; failures
// inside the child are reported through Join and the outcome flags.
func (s *Supervisor) Start() error {
	if s.started {
		return fmt.Errorf("invocation of %s already started", s.taskType)
	}
	req := request{
		TaskType:       s.taskType,
		InData:         json.RawMessage(s.inDataRaw),
		Suffix:         s.suffix,
		ParentDir:      s.parentDir,
		TimeoutSeconds: s.timeout.Seconds(),
		Config:         s.cfg,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("result pipe: %w", err)
	}

	cmd := reexec.Command(workerEntrypoint)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pw}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start worker: %w", err)
	}
	pw.Close()

	s.cmd = cmd
	s.resultR = pr
	s.started = true

	// Drain the pipe concurrently so a result larger than the pipe buffer
	// cannot deadlock the child against our Wait.
	s.resCh = make(chan rawResult, 1)
	go func() {
		data, err := io.ReadAll(pr)
		s.resCh <- rawResult{data: data, err: err}
	}()

	_, s.span = otel.Tracer(telemetry.TracerName).Start(context.Background(), "task.invocation",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.type", s.taskType),
			attribute.Int("task.pid", cmd.Process.Pid),
		))
	s.log.Info("task started", "taskType", s.taskType, "pid", cmd.Process.Pid, "timeout", s.timeout)
	return nil
}

// Join waits for the invocation to finish, enforcing the timeout. It never
// returns an error; the outcome is exposed through IsSuccess, IsFailure and
// IsTimedOut, and through OutData and WorkingDirectory.
func (s *Supervisor) Join() {
	if !s.started || s.joined {
		return
	}
	s.joined = true

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	killed := false
	if s.timeout > 0 {
		select {
		case <-done:
		case <-time.After(s.timeout):
			killed = true
			s.terminateTree()
			<-done
		}
	} else {
		<-done
	}

	raw := <-s.resCh
	s.resultR.Close()

	var res result
	decodeErr := raw.err
	if decodeErr == nil {
		if len(raw.data) == 0 {
			decodeErr = io.ErrUnexpectedEOF
		} else {
			decodeErr = json.Unmarshal(raw.data, &res)
		}
	}

	switch {
	case killed:
		s.failure = true
		s.timedOut = true
		s.message = fmt.Sprintf("timeout after %s", s.timeout)
		if decodeErr == nil {
			s.workingDirectory = res.WorkingDirectory
		}
		s.log.Error("task timed out", "taskType", s.taskType, "timeout", s.timeout)
	case decodeErr != nil:
		s.failure = true
		s.message = fmt.Sprintf("worker exited without a result: %v", decodeErr)
		s.log.Error("task reported no result", "taskType", s.taskType, "err", decodeErr)
	case !res.OK:
		s.failure = true
		s.timedOut = res.Timeout
		s.workingDirectory = res.WorkingDirectory
		s.message = res.Error
		s.log.Error("task failed", "taskType", s.taskType, "err", res.Error, "timedOut", res.Timeout)
		if res.Trace != "" {
			s.log.Debug("task failure trace", "taskType", s.taskType, "trace", res.Trace)
		}
	default:
		s.workingDirectory = res.WorkingDirectory
		out, err := payload.Decode(res.OutData)
		if err != nil {
			s.failure = true
			s.message = fmt.Sprintf("decode outData: %v", err)
			s.log.Error("task produced unreadable outData", "taskType", s.taskType, "err", err)
			break
		}
		s.outData = out
		s.log.Info("task finished", "taskType", s.taskType, "workingDirectory", s.workingDirectory)
	}

	s.finishSpan()
	if s.failure {
		s.fireOnError()
	}
}

// Execute runs Start then Join. The returned error covers launch problems
// only; inspect the outcome flags for the task's own result.
func (s *Supervisor) Execute() error {
	if err := s.Start(); err != nil {
		s.failure = true
		s.message = err.Error()
		return err
	}
	s.Join()
	return nil
}

// IsSuccess reports whether the invocation has not failed.
func (s *Supervisor) IsSuccess() bool { return !s.failure }

// IsFailure reports whether the invocation failed for any reason.
func (s *Supervisor) IsFailure() bool { return s.failure }

// IsTimedOut reports whether the failure was a wall-clock timeout.
func (s *Supervisor) IsTimedOut() bool { return s.timedOut }

// OutData returns the task's output payload, nil unless the invocation
// succeeded.
func (s *Supervisor) OutData() payload.Payload { return s.outData }

// WorkingDirectory returns the invocation's working directory, empty if it
// was never allocated.
func (s *Supervisor) WorkingDirectory() string { return s.workingDirectory }

// Message returns the failure message, empty on success.
func (s *Supervisor) Message() string { return s.message }

// Timeout returns the resolved wall-clock budget, zero for none.
func (s *Supervisor) Timeout() time.Duration { return s.timeout }

// terminateTree terminates the worker's descendants individually, then
// SIGKILLs the worker's process group to catch anything missed.
func (s *Supervisor) terminateTree() {
	pid := s.cmd.Process.Pid
	if p, err := process.NewProcess(int32(pid)); err == nil {
		for _, c := range descendants(p) {
			_ = c.Terminate()
		}
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// descendants walks the process tree below p. Children on its own is not
// recursive.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, c)
		out = append(out, descendants(c)...)
	}
	return out
}

func (s *Supervisor) finishSpan() {
	if s.span == nil {
		return
	}
	switch {
	case s.timedOut:
		s.span.AddEvent("task.timeout")
		s.span.SetStatus(codes.Error, "timeout")
	case s.failure:
		s.span.AddEvent("task.failed")
		s.span.SetStatus(codes.Error, s.message)
	default:
		s.span.AddEvent("task.completed")
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// fireOnError runs the task's error hook, if any, with a tracking store
// opened from the configuration.
func (s *Supervisor) fireOnError() {
	hook, ok := s.task.(ErrorHook)
	if !ok {
		return
	}
	var tracker *tracking.Store
	if s.cfg.Tracking.Database != "" {
		t, err := tracking.Open(s.cfg.Tracking.Database)
		if err != nil {
			s.log.Warn("tracking store unavailable for error hook", "err", err)
		} else {
			tracker = t
			defer tracker.Close()
		}
	}
	hook.OnError(context.Background(), Failure{
		TaskType:         s.taskType,
		InData:           s.inData,
		WorkingDirectory: s.workingDirectory,
		Message:          s.message,
		Timeout:          s.timedOut,
		Tracker:          tracker,
	})
}
