package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/docker/docker/pkg/reexec"

	"github.com/dominiquefastus/mxproc/internal/logging"
	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/workdir"
)

// workerEntrypoint is the re-exec name the parent launches. The worker reads
// a request envelope from stdin and writes exactly one result envelope to
// file descriptor 3.
const workerEntrypoint = "mxproc-task"

const resultFd = 3

func init() {
	reexec.Register(workerEntrypoint, workerMain)
}

func workerMain() {
	logging.Init(logging.ParseLevel(os.Getenv("MXPROC_LOG_LEVEL")), os.Getenv("MXPROC_LOG_FORMAT"))
	out := os.NewFile(resultFd, "result-pipe")
	if out == nil {
		fmt.Fprintln(os.Stderr, "mxproc worker: result pipe fd 3 not open")
		os.Exit(2)
	}
	res := runWorker(context.Background(), os.Stdin)
	enc := json.NewEncoder(out)
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "mxproc worker: write result: %v\n", err)
		os.Exit(2)
	}
	_ = out.Close()
	if !res.OK {
		os.Exit(1)
	}
}

// runWorker decodes one request, executes the task and returns the result
// envelope. Panics in task code are recovered into a failure result with the
// captured stack.
func runWorker(ctx context.Context, in io.Reader) (res result) {
	var dir string
	defer func() {
		if r := recover(); r != nil {
			res = result{
				WorkingDirectory: dir,
				Error:            fmt.Sprint(r),
				Trace:            string(debug.Stack()),
			}
		}
	}()

	var req request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return result{Error: fmt.Sprintf("decode request: %v", err)}
	}
	factory, ok := Lookup(req.TaskType)
	if !ok {
		return result{Error: fmt.Sprintf("unknown task type %q", req.TaskType)}
	}
	task := factory()

	inData, err := payload.Decode(req.InData)
	if err != nil {
		return result{Error: fmt.Sprintf("decode inData: %v", err)}
	}

	// Input is validated before any directory exists so a rejected payload
	// leaves no trace on disk.
	sp, hasSchemas := task.(SchemaProvider)
	if hasSchemas {
		if err := payload.Validate(inData, sp.InDataSchema()); err != nil {
			return result{Error: fmt.Sprintf("inData for %s: %v", req.TaskType, err)}
		}
	}

	parent := req.ParentDir
	if parent == "" {
		parent = req.Config.WorkingDirectory
	}
	if parent == "" {
		parent, err = os.Getwd()
		if err != nil {
			return result{Error: fmt.Sprintf("resolve parent directory: %v", err)}
		}
	}
	alloc := workdir.Allocator{Parent: parent}
	dir, err = alloc.Allocate(req.TaskType, req.Suffix)
	if err != nil {
		return result{Error: fmt.Sprintf("allocate working directory: %v", err)}
	}
	dir = workdir.NormalizeMountPrefix(dir, req.Config.MountPrefixes)

	if err := payload.WriteInData(dir, req.TaskType, inData); err != nil {
		return result{WorkingDirectory: dir, Error: err.Error()}
	}

	prevDir, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		return result{WorkingDirectory: dir, Error: fmt.Sprintf("enter working directory: %v", err)}
	}
	defer func() {
		if prevDir != "" {
			_ = os.Chdir(prevDir)
		}
	}()

	tc := NewContext(req.TaskType, dir, req.Config)
	defer tc.Close()

	runCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	outData, err := task.Run(runCtx, tc, inData)
	if err != nil {
		return result{
			WorkingDirectory: dir,
			Error:            err.Error(),
			Timeout:          errors.Is(err, context.DeadlineExceeded),
		}
	}
	if outData == nil {
		outData = payload.Payload{}
	}

	if hasSchemas {
		if err := payload.Validate(outData, sp.OutDataSchema()); err != nil {
			return result{WorkingDirectory: dir, Error: fmt.Sprintf("outData for %s: %v", req.TaskType, err)}
		}
	}
	if err := payload.WriteOutData(dir, req.TaskType, outData); err != nil {
		return result{WorkingDirectory: dir, Error: err.Error()}
	}
	_ = workdir.RemoveIfEmpty(dir)

	raw, err := outData.Encode()
	if err != nil {
		return result{WorkingDirectory: dir, Error: fmt.Sprintf("encode outData: %v", err)}
	}
	return result{OK: true, WorkingDirectory: dir, OutData: raw}
}
