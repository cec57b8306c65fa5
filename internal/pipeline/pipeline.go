// Package pipeline runs an ordered set of task invocations described in a
// YAML definition. Consecutive stages sharing a group run concurrently;
// otherwise stages run one after another, and a failure stops everything
// behind it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/logging"
	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

// resultsFileName is written into the pipeline's parent directory after a
// run, successful or not.
const resultsFileName = "pipelineResults.json"

// Stage is one entry of a pipeline definition.
type Stage struct {
	Name           string         `yaml:"name"`
	Task           string         `yaml:"task"`
	Suffix         string         `yaml:"suffix,omitempty"`
	Group          string         `yaml:"group,omitempty"`
	InData         map[string]any `yaml:"inData,omitempty"`
	TimeoutSeconds float64        `yaml:"timeoutSeconds,omitempty"`
}

// Definition is a named, ordered list of stages.
type Definition struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// Load reads and validates a pipeline definition.
func Load(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition for the mistakes a run would otherwise hit
// halfway through.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline has no name")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", d.Name)
	}
	seen := map[string]bool{}
	for i, st := range d.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline %q: stage %d has no name", d.Name, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("pipeline %q: duplicate stage name %q", d.Name, st.Name)
		}
		seen[st.Name] = true
		if _, ok := supervisor.Lookup(st.Task); !ok {
			return fmt.Errorf("pipeline %q: stage %q uses unknown task type %q", d.Name, st.Name, st.Task)
		}
	}
	return nil
}

// batches splits the stage list into execution batches: consecutive stages
// with the same non-empty group form one concurrent batch.
func batches(stages []Stage) [][]Stage {
	var out [][]Stage
	for _, st := range stages {
		n := len(out)
		if n > 0 && st.Group != "" && out[n-1][0].Group == st.Group {
			out[n-1] = append(out[n-1], st)
			continue
		}
		out = append(out, []Stage{st})
	}
	return out
}

// StageResult is the recorded outcome of one stage.
type StageResult struct {
	Stage            string          `json:"stage"`
	TaskType         string          `json:"taskType"`
	Success          bool            `json:"success"`
	TimedOut         bool            `json:"timedOut,omitempty"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
	Message          string          `json:"message,omitempty"`
	OutData          payload.Payload `json:"outData,omitempty"`
}

// Results maps stage names to their outcomes.
type Results map[string]StageResult

// Orchestrator executes pipeline definitions under one configuration.
type Orchestrator struct {
	cfg config.Config
	log *slog.Logger
}

func New(cfg config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, log: logging.New("pipeline")}
}

// Run executes the definition batch by batch. The collected results are
// persisted to pipelineResults.json in the configured working directory even
// when a stage fails; the first failing stage aborts the remaining batches
// and is returned as the error.
func (o *Orchestrator) Run(ctx context.Context, def *Definition) (Results, error) {
	results := Results{}
	var mu sync.Mutex

	var runErr error
	o.log.Info("pipeline started", "pipeline", def.Name, "stages", len(def.Stages))
	for _, batch := range batches(def.Stages) {
		g, _ := errgroup.WithContext(ctx)
		for _, st := range batch {
			g.Go(func() error {
				res, err := o.runStage(st)
				mu.Lock()
				results[st.Name] = res
				mu.Unlock()
				return err
			})
		}
		if err := g.Wait(); err != nil {
			runErr = err
			break
		}
	}

	if err := o.persist(def, results); err != nil {
		o.log.Warn("pipeline results not persisted", "err", err)
	}
	if runErr != nil {
		o.log.Error("pipeline failed", "pipeline", def.Name, "err", runErr)
		return results, runErr
	}
	o.log.Info("pipeline finished", "pipeline", def.Name)
	return results, nil
}

func (o *Orchestrator) runStage(st Stage) (StageResult, error) {
	opts := []supervisor.Option{supervisor.WithConfig(o.cfg)}
	if st.Suffix != "" {
		opts = append(opts, supervisor.WithSuffix(st.Suffix))
	}
	if st.TimeoutSeconds > 0 {
		opts = append(opts, supervisor.WithTimeout(time.Duration(st.TimeoutSeconds*float64(time.Second))))
	}
	sv, err := supervisor.New(st.Task, payload.Payload(st.InData), opts...)
	if err != nil {
		return StageResult{Stage: st.Name, TaskType: st.Task, Message: err.Error()},
			fmt.Errorf("stage %q: %w", st.Name, err)
	}
	o.log.Info("stage started", "stage", st.Name, "taskType", st.Task)
	if err := sv.Execute(); err != nil {
		return StageResult{Stage: st.Name, TaskType: st.Task, Message: err.Error()},
			fmt.Errorf("stage %q: %w", st.Name, err)
	}
	res := StageResult{
		Stage:            st.Name,
		TaskType:         st.Task,
		Success:          sv.IsSuccess(),
		TimedOut:         sv.IsTimedOut(),
		WorkingDirectory: sv.WorkingDirectory(),
		Message:          sv.Message(),
		OutData:          sv.OutData(),
	}
	if sv.IsFailure() {
		return res, fmt.Errorf("stage %q failed: %s", st.Name, sv.Message())
	}
	return res, nil
}

func (o *Orchestrator) persist(def *Definition, results Results) error {
	dir := o.cfg.WorkingDirectory
	if dir == "" {
		dir = "."
	}
	doc := struct {
		Pipeline string  `json:"pipeline"`
		Results  Results `json:"results"`
	}{Pipeline: def.Name, Results: results}
	b, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, resultsFileName), b, 0o644)
}
