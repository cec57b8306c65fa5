package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/reexec"

	"github.com/dominiquefastus/mxproc/internal/config"
	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/pipeline"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

type echoTask struct{}

func (echoTask) Run(ctx context.Context, tc *supervisor.Context, in payload.Payload) (payload.Payload, error) {
	out := payload.Payload{"echoed": true}
	if v, ok := in["label"]; ok {
		out["label"] = v
	}
	return out, nil
}

type brokenTask struct{}

func (brokenTask) Run(ctx context.Context, tc *supervisor.Context, in payload.Payload) (payload.Payload, error) {
	return nil, os.ErrInvalid
}

func init() {
	supervisor.Register("PipelineEcho", func() supervisor.Task { return echoTask{} })
	supervisor.Register("PipelineBroken", func() supervisor.Task { return brokenTask{} })
}

func writeDefinition(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	return path
}

func TestLoadDefinition(t *testing.T) {
	path := writeDefinition(t, `
name: fast-processing
stages:
  - name: predict
    task: PipelineEcho
    suffix: af
    inData:
      label: alpha
  - name: index-a
    task: PipelineEcho
    group: indexing
  - name: index-b
    task: PipelineEcho
    group: indexing
    timeoutSeconds: 30
`)
	def, err := pipeline.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.Name != "fast-processing" || len(def.Stages) != 3 {
		t.Fatalf("definition = %+v", def)
	}
	if def.Stages[0].Suffix != "af" || def.Stages[0].InData["label"] != "alpha" {
		t.Errorf("stage 0 = %+v", def.Stages[0])
	}
	if def.Stages[2].Group != "indexing" || def.Stages[2].TimeoutSeconds != 30 {
		t.Errorf("stage 2 = %+v", def.Stages[2])
	}
}

func TestLoadRejectsUnknownTask(t *testing.T) {
	path := writeDefinition(t, `
name: broken
stages:
  - name: mystery
    task: NoSuchTask
`)
	if _, err := pipeline.Load(path); err == nil || !strings.Contains(err.Error(), "NoSuchTask") {
		t.Fatalf("err = %v, want unknown task type", err)
	}
}

func TestLoadRejectsDuplicateStageNames(t *testing.T) {
	path := writeDefinition(t, `
name: twins
stages:
  - name: same
    task: PipelineEcho
  - name: same
    task: PipelineEcho
`)
	if _, err := pipeline.Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate stage name", err)
	}
}

func TestRunGroupsAndPersists(t *testing.T) {
	cfg := config.Default()
	cfg.WorkingDirectory = t.TempDir()
	def := &pipeline.Definition{
		Name: "two-phase",
		Stages: []pipeline.Stage{
			{Name: "index-a", Task: "PipelineEcho", Group: "indexing", InData: map[string]any{"label": "a"}},
			{Name: "index-b", Task: "PipelineEcho", Group: "indexing", InData: map[string]any{"label": "b"}},
			{Name: "scale", Task: "PipelineEcho", InData: map[string]any{"label": "s"}},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	results, err := pipeline.New(cfg).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %v", results)
	}
	dirs := map[string]bool{}
	for name, res := range results {
		if !res.Success {
			t.Errorf("stage %s failed: %s", name, res.Message)
		}
		if dirs[res.WorkingDirectory] {
			t.Errorf("stages share working directory %q", res.WorkingDirectory)
		}
		dirs[res.WorkingDirectory] = true
	}
	if v, _ := results["index-b"].OutData.String("label"); v != "b" {
		t.Errorf("index-b outData = %v", results["index-b"].OutData)
	}

	if _, err := os.Stat(filepath.Join(cfg.WorkingDirectory, "pipelineResults.json")); err != nil {
		t.Errorf("pipeline results not persisted: %v", err)
	}
}

func TestRunStopsAfterFailure(t *testing.T) {
	cfg := config.Default()
	cfg.WorkingDirectory = t.TempDir()
	def := &pipeline.Definition{
		Name: "abort",
		Stages: []pipeline.Stage{
			{Name: "breaks", Task: "PipelineBroken"},
			{Name: "never", Task: "PipelineEcho"},
		},
	}

	results, err := pipeline.New(cfg).Run(context.Background(), def)
	if err == nil {
		t.Fatal("expected pipeline failure")
	}
	if res, ok := results["breaks"]; !ok || res.Success {
		t.Errorf("breaks result = %+v", res)
	}
	if _, ran := results["never"]; ran {
		t.Error("stage after a failure still ran")
	}
}
