// Package stages holds the processing tasks shipped with mxproc: structure
// prediction, diffraction indexing and integration, and scaling. Each stage
// registers itself with the supervisor under its task type name.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
	"github.com/dominiquefastus/mxproc/internal/tracking"
)

const alphaFoldType = "AlphaFoldPrediction"

func init() {
	supervisor.Register(alphaFoldType, func() supervisor.Task { return &AlphaFold{} })
}

// AlphaFold runs an AlphaFold2 structure prediction from a FASTA file and
// collects the ranked models.
type AlphaFold struct{}

func (*AlphaFold) InDataSchema() string {
	return `{
        "type": "object",
        "required": ["fastaPath"],
        "properties": {
            "fastaPath": {"type": "string"},
            "submitJob": {"type": "boolean"},
            "programId": {"type": "number"}
        }
    }`
}

func (*AlphaFold) OutDataSchema() string {
	return `{
        "type": "object",
        "required": ["success", "outputDir"],
        "properties": {
            "success": {"type": "boolean"},
            "outputDir": {"type": "string"}
        }
    }`
}

func (t *AlphaFold) Run(ctx context.Context, tc *supervisor.Context, in payload.Payload) (payload.Payload, error) {
	fastaPath, _ := in.String("fastaPath")
	fastaName, monomer, err := inspectFasta(fastaPath)
	if err != nil {
		return nil, err
	}

	command := t.commandLine(tc, fastaPath, monomer)
	tc.Logger().Info("predicting structure", "fasta", fastaName, "monomer", monomer)
	if in.Bool("submitJob") {
		_, err = tc.SubmitCommandLine(ctx, command,
			supervisor.WithJobName(fastaName),
			supervisor.WithIgnoreErrors())
	} else {
		err = tc.RunCommandLine(ctx, command, supervisor.WithIgnoreErrors())
	}
	if err != nil {
		return nil, err
	}

	outputDir := filepath.Join(tc.WorkingDirectory(), fastaName)
	out := payload.Payload{
		"outputDir": outputDir,
		"fastaName": fastaName,
		"monomer":   monomer,
		"success":   predictionComplete(outputDir),
	}
	if models, err := parseRanking(filepath.Join(outputDir, "ranking_debug.json")); err != nil {
		tc.Logger().Warn("ranking_debug.json could not be parsed", "err", err)
	} else {
		out["models"] = models
	}
	return out, nil
}

// OnError marks the tracked program as failed when the invocation carries a
// program id.
func (*AlphaFold) OnError(ctx context.Context, f supervisor.Failure) {
	markProgramFailed(f)
}

func (t *AlphaFold) commandLine(tc *supervisor.Context, fastaPath string, monomer bool) string {
	tcfg := tc.TaskConfig()
	exe := tcfg.Executable
	if exe == "" {
		exe = "alphafold"
	}
	preset := "multimer"
	if monomer {
		preset = "monomer"
	}
	var b strings.Builder
	if tcfg.Setup != "" {
		b.WriteString(tcfg.Setup)
		b.WriteString(" && ")
	}
	fmt.Fprintf(&b, "%s --fasta_paths=%s --max_template_date=2021-11-01 --model_preset=%s --output_dir=%s --data_dir=$ALPHAFOLD_DATA_DIR",
		exe, fastaPath, preset, tc.WorkingDirectory())
	return b.String()
}

// inspectFasta reads the FASTA header. The prediction name is the first four
// characters after '>', and a single record means a monomer preset.
func inspectFasta(path string) (name string, monomer bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("read FASTA: %w", err)
	}
	text := strings.TrimSpace(string(b))
	if !strings.HasPrefix(text, ">") {
		return "", false, fmt.Errorf("%s is not a FASTA file", path)
	}
	header, _, _ := strings.Cut(text, "\n")
	name = strings.TrimPrefix(header, ">")
	if len(name) > 4 {
		name = name[:4]
	}
	if name == "" {
		return "", false, fmt.Errorf("%s has an empty FASTA header", path)
	}
	return name, strings.Count(text, ">") == 1, nil
}

// predictionComplete checks the files the downstream pipeline relies on.
// ranked_0.pdb is the one that matters most.
func predictionComplete(outputDir string) bool {
	for _, name := range []string{
		"ranked_0.pdb",
		"relaxed_model_1.pdb",
		"result_model_1.pkl",
		"unrelaxed_model_1.pdb",
		"ranking_debug.json",
	} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			return false
		}
	}
	return true
}

// parseRanking extracts per-model pLDDT scores from ranking_debug.json,
// ordered best first.
func parseRanking(path string) ([]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ranking struct {
		Order  []string           `json:"order"`
		PLDDTs map[string]float64 `json:"plddts"`
	}
	if err := json.Unmarshal(b, &ranking); err != nil {
		return nil, err
	}
	models := make([]map[string]any, 0, len(ranking.Order))
	for rank, model := range ranking.Order {
		score, ok := ranking.PLDDTs[model]
		if !ok {
			continue
		}
		models = append(models, map[string]any{
			"model": model,
			"rank":  rank,
			"plddt": score,
		})
	}
	return models, nil
}

// markProgramFailed updates the tracking record named by the input payload's
// programId, when both tracking and the id are present.
func markProgramFailed(f supervisor.Failure) {
	if f.Tracker == nil {
		return
	}
	id, ok := f.InData.Float("programId")
	if !ok {
		return
	}
	status := tracking.StatusFailed
	if f.Timeout {
		status = tracking.StatusTimeout
	}
	_ = f.Tracker.UpdateProgramStatus(int64(id), status, f.Message)
}
