package supervisor

import (
	"encoding/json"

	"github.com/dominiquefastus/mxproc/internal/config"
)

// request is the envelope the parent writes to the worker's stdin.
type request struct {
	TaskType       string          `json:"taskType"`
	InData         json.RawMessage `json:"inData"`
	Suffix         string          `json:"suffix,omitempty"`
	ParentDir      string          `json:"parentDir,omitempty"`
	TimeoutSeconds float64         `json:"timeoutSeconds,omitempty"`
	Config         config.Config   `json:"config"`
}

// result is the single envelope the worker writes back on its result pipe.
// Exactly one of the success fields (OK plus OutData) or the failure fields
// (Error, Trace, Timeout) is meaningful.
type result struct {
	OK               bool            `json:"ok"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
	OutData          json.RawMessage `json:"outData,omitempty"`
	Error            string          `json:"error,omitempty"`
	Trace            string          `json:"trace,omitempty"`
	Timeout          bool            `json:"timeout,omitempty"`
}
