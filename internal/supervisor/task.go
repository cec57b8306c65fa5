// Package supervisor owns the lifecycle of one pipeline step: it allocates
// the step's working directory, persists its input and output payloads, runs
// it in an isolated child process under a wall-clock budget, and reports
// success, failure or timeout to the caller.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/tracking"
)

// Task is one unit of pipeline work. Run receives the invocation context
// with the working directory and execution helpers, and produces the output
// payload.
type Task interface {
	Run(ctx context.Context, tc *Context, in payload.Payload) (payload.Payload, error)
}

// SchemaProvider declares optional JSON Schema contracts for a task's
// payloads. Empty strings mean no contract.
type SchemaProvider interface {
	InDataSchema() string
	OutDataSchema() string
}

// ErrorHook lets a task react to the failure of its invocation, typically by
// marking external tracking state as failed. It runs in the parent process
// after Join observed the failure.
type ErrorHook interface {
	OnError(ctx context.Context, f Failure)
}

// Failure describes a failed invocation to its task's error hook.
type Failure struct {
	TaskType         string
	InData           payload.Payload
	WorkingDirectory string
	Message          string
	Timeout          bool
	// Tracker is the tracking store, nil when tracking is not configured.
	Tracker *tracking.Store
}

// Factory builds a fresh task instance. Factories run in both the parent
// (for hooks) and the child (for the work itself), so they must be cheap and
// side-effect free.
type Factory func() Task

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a task type available for execution. Typically called from
// an init function of the package defining the task.
func Register(taskType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[taskType]; dup {
		panic(fmt.Sprintf("supervisor: duplicate task type %q", taskType))
	}
	registry[taskType] = f
}

// Lookup returns the factory for a task type.
func Lookup(taskType string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[taskType]
	return f, ok
}

// Types lists the registered task types in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
