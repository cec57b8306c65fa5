package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dominiquefastus/mxproc/internal/payload"
	"github.com/dominiquefastus/mxproc/internal/supervisor"
)

const xdsType = "XdsIndexAndIntegration"

func init() {
	supervisor.Register(xdsType, func() supervisor.Task { return &XdsIndexAndIntegration{} })
}

// XdsIndexAndIntegration runs the full XDS pipeline over one sweep of
// diffraction images: spot search, indexing, integration and correction in a
// single xds_par invocation.
type XdsIndexAndIntegration struct{}

func (*XdsIndexAndIntegration) InDataSchema() string {
	return `{
        "type": "object",
        "required": ["imageTemplate", "dataRange"],
        "properties": {
            "imageTemplate": {"type": "string"},
            "dataRange": {
                "type": "array",
                "items": {"type": "integer"},
                "minItems": 2,
                "maxItems": 2
            },
            "detectorDistance": {"type": "number"},
            "wavelength": {"type": "number"},
            "oscillationRange": {"type": "number"},
            "startingAngle": {"type": "number"},
            "spaceGroupNumber": {"type": "integer"},
            "unitCell": {"type": "string"},
            "imageTimeoutSeconds": {"type": "number"},
            "programId": {"type": "number"}
        }
    }`
}

func (*XdsIndexAndIntegration) OutDataSchema() string {
	return `{
        "type": "object",
        "required": ["success"],
        "properties": {
            "success": {"type": "boolean"},
            "xdsAsciiHkl": {"type": "string"},
            "correctLp": {"type": "string"},
            "ISa": {"type": "number"}
        }
    }`
}

func (t *XdsIndexAndIntegration) Run(ctx context.Context, tc *supervisor.Context, in payload.Payload) (payload.Payload, error) {
	template, _ := in.String("imageTemplate")
	first, last, err := dataRange(in)
	if err != nil {
		return nil, err
	}

	inp := renderXdsInp(in, template, first, last)
	if err := os.WriteFile(filepath.Join(tc.WorkingDirectory(), "XDS.INP"), []byte(inp), 0o644); err != nil {
		return nil, fmt.Errorf("write XDS.INP: %w", err)
	}

	// The detector may still be writing the sweep when processing starts.
	waitTimeout := 2 * time.Minute
	if secs, ok := in.Float("imageTimeoutSeconds"); ok && secs > 0 {
		waitTimeout = time.Duration(secs * float64(time.Second))
	}
	firstImage := resolveImage(template, first)
	if err := tc.WaitForFile(ctx, firstImage, 0, waitTimeout); err != nil {
		return nil, fmt.Errorf("first image of sweep: %w", err)
	}

	command := "xds_par"
	if tcfg := tc.TaskConfig(); tcfg.Executable != "" {
		command = tcfg.Executable
	}
	if setup := tc.TaskConfig().Setup; setup != "" {
		command = setup + " && " + command
	}
	// xds_par exits non-zero on partial failures that still produce usable
	// reflections; completeness is judged from the output files.
	if err := tc.RunCommandLine(ctx, command, supervisor.WithIgnoreErrors()); err != nil {
		return nil, err
	}

	dir := tc.WorkingDirectory()
	hklPath := filepath.Join(dir, "XDS_ASCII.HKL")
	correctPath := filepath.Join(dir, "CORRECT.LP")
	out := payload.Payload{"success": false}
	if _, err := os.Stat(hklPath); err != nil {
		tc.Logger().Error("no XDS_ASCII.HKL produced", "workingDirectory", dir)
		return out, nil
	}
	out["success"] = true
	out["xdsAsciiHkl"] = hklPath
	out["correctLp"] = correctPath

	if isa, err := parseISa(correctPath); err != nil {
		tc.Logger().Warn("CORRECT.LP could not be parsed", "err", err)
	} else {
		out["ISa"] = isa
	}
	return out, nil
}

func (*XdsIndexAndIntegration) OnError(ctx context.Context, f supervisor.Failure) {
	markProgramFailed(f)
}

func dataRange(in payload.Payload) (first, last int, err error) {
	raw, _ := in["dataRange"].([]any)
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("dataRange must hold exactly two image numbers")
	}
	bounds := make([]int, 2)
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return 0, 0, fmt.Errorf("dataRange[%d] is not a number", i)
		}
		bounds[i] = int(f)
	}
	if bounds[0] > bounds[1] {
		return 0, 0, fmt.Errorf("dataRange %d..%d is inverted", bounds[0], bounds[1])
	}
	return bounds[0], bounds[1], nil
}

// renderXdsInp builds the XDS.INP contents. Background images are the first
// few frames of the sweep, capped at four.
func renderXdsInp(in payload.Payload, template string, first, last int) string {
	background := min(last-first, 4)
	lines := []string{
		"JOB= XYCORR INIT IDXREF COLSPOT DEFPIX INTEGRATE CORRECT",
		"NAME_TEMPLATE_OF_DATA_FRAMES= " + template,
		fmt.Sprintf("DATA_RANGE= %d %d", first, last),
		fmt.Sprintf("SPOT_RANGE= %d %d", first, last),
		fmt.Sprintf("BACKGROUND_RANGE= %d %d", first, first+background-1),
		"INCLUDE_RESOLUTION_RANGE= 50.0 0.0",
	}
	if v, ok := in.Float("detectorDistance"); ok {
		lines = append(lines, fmt.Sprintf("DETECTOR_DISTANCE= %.3f", v))
	}
	if v, ok := in.Float("wavelength"); ok {
		lines = append(lines, fmt.Sprintf("X-RAY_WAVELENGTH= %.3f", v))
	}
	if v, ok := in.Float("oscillationRange"); ok {
		lines = append(lines, fmt.Sprintf("OSCILLATION_RANGE= %g", v))
	}
	if v, ok := in.Float("startingAngle"); ok {
		lines = append(lines, fmt.Sprintf("STARTING_ANGLE= %.4f", v))
	}
	if sg, ok := in.Float("spaceGroupNumber"); ok && sg > 0 {
		lines = append(lines, fmt.Sprintf("SPACE_GROUP_NUMBER= %d", int(sg)))
		if cell, ok := in.String("unitCell"); ok {
			lines = append(lines, "UNIT_CELL_CONSTANTS= "+cell)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// resolveImage substitutes the image number into a template whose question
// marks mark the zero-padded frame counter, e.g. insu_1_????.cbf.
func resolveImage(template string, number int) string {
	start := strings.Index(template, "?")
	if start < 0 {
		return template
	}
	end := start
	for end < len(template) && template[end] == '?' {
		end++
	}
	digits := strconv.Itoa(number)
	for len(digits) < end-start {
		digits = "0" + digits
	}
	return template[:start] + digits + template[end:]
}

// parseISa extracts ISa from the CORRECT.LP statistics block. The value is
// the third number on the line following the "a b ISa" header.
func parseISa(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(string(b), "\n")
	for i, line := range lines {
		if !strings.Contains(line, "a        b          ISa") {
			continue
		}
		if i+1 >= len(lines) {
			break
		}
		fields := strings.Fields(lines[i+1])
		if len(fields) < 3 {
			break
		}
		return strconv.ParseFloat(fields[2], 64)
	}
	return 0, fmt.Errorf("no ISa entry in %s", path)
}
