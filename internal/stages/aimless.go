package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
	"github.com/dominiquefastus/mxproc/internal/tracking"
)

const aimlessType = "Aimless"

func init() {
	supervisor.Register(aimlessType, func() supervisor.Task { return &Aimless{} })
}

// Aimless scales integrated reflections with CCP4: pointless decides the
// space group, aimless merges and scales, and the summary statistics go to
// the tracking store.
type Aimless struct{}

func (*Aimless) InDataSchema() string {
	return `{
        "type": "object",
        "required": ["inputFile"],
        "properties": {
            "inputFile": {"type": "string"},
            "outputFile": {"type": "string"},
            "startImage": {"type": "integer"},
            "endImage": {"type": "integer"},
            "resolution": {"type": "number"},
            "anomalous": {"type": "boolean"},
            "spaceGroup": {"type": "string"},
            "programId": {"type": "number"}
        }
    }`
}

func (*Aimless) OutDataSchema() string {
	return `{
        "type": "object",
        "required": ["success"],
        "properties": {
            "success": {"type": "boolean"},
            "mergedMtz": {"type": "string"}
        }
    }`
}

func (t *Aimless) Run(ctx context.Context, tc *supervisor.Context, in payload.Payload) (payload.Payload, error) {
	inputFile, _ := in.String("inputFile")
	outputFile, ok := in.String("outputFile")
	if !ok {
		outputFile = "aimless.mtz"
	}
	dir := tc.WorkingDirectory()
	pointlessMtz := filepath.Join(dir, "pointless.mtz")
	aimlessLog := filepath.Join(dir, "aimless.log.txt")

	if err := t.runPointless(ctx, tc, inputFile, pointlessMtz, in); err != nil {
		return nil, err
	}
	if err := t.runAimless(ctx, tc, pointlessMtz, outputFile, aimlessLog, in); err != nil {
		return nil, err
	}

	mergedMtz := filepath.Join(dir, outputFile)
	out := payload.Payload{"success": false}
	if _, err := os.Stat(mergedMtz); err != nil {
		tc.Logger().Error("aimless produced no merged mtz", "path", mergedMtz)
		return out, nil
	}
	out["success"] = true
	out["mergedMtz"] = mergedMtz

	stats, err := ExtractScalingStatistics(aimlessLog)
	if err != nil {
		tc.Logger().Warn("aimless summary could not be parsed", "err", err)
		return out, nil
	}
	out["scaling"] = scalingPayload(stats)
	t.record(tc, in, stats, mergedMtz, aimlessLog)
	return out, nil
}

func (*Aimless) OnError(ctx context.Context, f supervisor.Failure) {
	markProgramFailed(f)
}

func (t *Aimless) runPointless(ctx context.Context, tc *supervisor.Context, input, output string, in payload.Payload) error {
	command := "pointless"
	if setup := tc.TaskConfig().Setup; setup != "" {
		command = setup + " && " + command
	}
	command += fmt.Sprintf(" xdsin %s hklout %s", input, output)
	keywords := []string{"setting symmetry-based"}
	if sg, ok := in.String("spaceGroup"); ok {
		keywords = append(keywords, "choose spacegroup "+sg)
	}
	return tc.RunCommandLine(ctx, command,
		supervisor.WithStdinLines(keywords...),
		supervisor.WithLogPath(filepath.Join(tc.WorkingDirectory(), "pointless.log.txt")))
}

func (t *Aimless) runAimless(ctx context.Context, tc *supervisor.Context, input, output, logPath string, in payload.Payload) error {
	command := "aimless"
	if setup := tc.TaskConfig().Setup; setup != "" {
		command = setup + " && " + command
	}
	command += fmt.Sprintf(" HKLIN %s HKLOUT %s", input, output)

	keywords := []string{"bins 15"}
	if start, ok := in.Float("startImage"); ok {
		end, _ := in.Float("endImage")
		keywords = append(keywords, fmt.Sprintf("run 1 batch %d to %d", int(start), int(end)))
	}
	keywords = append(keywords, "scales constant")
	if res, ok := in.Float("resolution"); ok && res > 0 {
		keywords = append(keywords, fmt.Sprintf("resolution 50 %g", res))
	}
	keywords = append(keywords, "cycles 100")
	if in.Bool("anomalous") {
		keywords = append(keywords, "anomalous ON")
	} else {
		keywords = append(keywords, "anomalous OFF")
	}
	keywords = append(keywords, "output MERGED UNMERGED", "END")

	return tc.RunCommandLine(ctx, command,
		supervisor.WithStdinLines(keywords...),
		supervisor.WithLogPath(logPath))
}

// record persists the statistics and result files to the tracking store when
// the invocation carries a program id.
func (t *Aimless) record(tc *supervisor.Context, in payload.Payload, stats []tracking.ScalingStatistics, mtz, log string) {
	id, ok := in.Float("programId")
	if !ok {
		return
	}
	store, err := tc.Tracker()
	if err != nil || store == nil {
		return
	}
	for _, st := range stats {
		st.ProgramID = int64(id)
		if _, err := store.AddScalingStatistics(st); err != nil {
			tc.Logger().Warn("scaling statistics not recorded", "err", err)
			return
		}
	}
	_, _ = store.AddAttachment(int64(id), "Result", filepath.Base(mtz), mtz)
	_, _ = store.AddAttachment(int64(id), "Log", filepath.Base(log), log)
}

// summary row prefixes in the aimless log, matched against trimmed lines.
var summaryRows = []struct {
	prefix string
	assign func(st *tracking.ScalingStatistics, v float64)
}{
	{"Low resolution limit", func(st *tracking.ScalingStatistics, v float64) { st.ResolutionLow = v }},
	{"High resolution limit", func(st *tracking.ScalingStatistics, v float64) { st.ResolutionHigh = v }},
	{"Rmerge  (all I+ and I-)", func(st *tracking.ScalingStatistics, v float64) { st.RMerge = v }},
	{"Rmeas (all I+ & I-)", func(st *tracking.ScalingStatistics, v float64) { st.RMeas = v }},
	{"Mn(I) half-set correlation CC(1/2)", func(st *tracking.ScalingStatistics, v float64) { st.CCHalf = v }},
	{"Completeness", func(st *tracking.ScalingStatistics, v float64) { st.Completeness = v }},
	{"Multiplicity", func(st *tracking.ScalingStatistics, v float64) { st.Multiplicity = v }},
}

// ExtractScalingStatistics parses the summary table of an aimless log into
// per-shell statistics, ordered overall, innerShell, outerShell. The table
// sits between the SUMMARY_BEGIN and SUMMARY_END markers and carries three
// value columns per row.
func ExtractScalingStatistics(logPath string) ([]tracking.ScalingStatistics, error) {
	b, err := os.ReadFile(logPath)
	if err != nil {
		return nil, err
	}
	stats := []tracking.ScalingStatistics{
		{Shell: "overall"},
		{Shell: "innerShell"},
		{Shell: "outerShell"},
	}
	inSummary := false
	matched := 0
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "<!--SUMMARY_BEGIN-->") {
			inSummary = true
			continue
		}
		if strings.HasPrefix(line, "$$ <!--SUMMARY_END-->") {
			break
		}
		if !inSummary {
			continue
		}
		for _, row := range summaryRows {
			if !strings.HasPrefix(line, row.prefix) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, fmt.Errorf("short summary row %q", line)
			}
			for i, raw := range fields[len(fields)-3:] {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, fmt.Errorf("summary row %q: %w", line, err)
				}
				row.assign(&stats[i], v)
			}
			matched++
			break
		}
	}
	if matched == 0 {
		return nil, fmt.Errorf("no summary table in %s", logPath)
	}
	return stats, nil
}

func scalingPayload(stats []tracking.ScalingStatistics) map[string]any {
	out := make(map[string]any, len(stats))
	for _, st := range stats {
		out[st.Shell] = map[string]any{
			"resolutionLow":  st.ResolutionLow,
			"resolutionHigh": st.ResolutionHigh,
			"rMerge":         st.RMerge,
			"rMeas":          st.RMeas,
			"ccHalf":         st.CCHalf,
			"completeness":   st.Completeness,
			"multiplicity":   st.Multiplicity,
		}
	}
	return out
}
