package domain

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Flip is the mirroring requested for a job. Values outside the four known
// ones are forwarded to the worker untouched.
type Flip string

const (
	FlipNone       Flip = "none"
	FlipHorizontal Flip = "horizontal"
	FlipVertical   Flip = "vertical"
	FlipBoth       Flip = "both"
)

// Form field names accepted by the process-image endpoint.
const (
	FieldImage      = "image"
	FieldWidth      = "width"
	FieldHeight     = "height"
	FieldRotation   = "rotation"
	FieldFlip       = "flip"
	FieldCropTop    = "cropTop"
	FieldCropLeft   = "cropLeft"
	FieldCropWidth  = "cropWidth"
	FieldCropHeight = "cropHeight"
)

// Known reports whether f is one of the enumerated flip modes.
func (f Flip) Known() bool {
	switch f {
	case FlipNone, FlipHorizontal, FlipVertical, FlipBoth:
		return true
	default:
		return false
	}
}

type Crop struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HasArea reports whether the crop rectangle selects anything. A crop without
// area means "no crop".
func (c Crop) HasArea() bool {
	return c.Width > 0 && c.Height > 0
}

// TransformSpec is the typed parameter set of one job. Zero Width/Height means
// no resize on that axis.
type TransformSpec struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Rotation float64 `json:"rotation"`
	Flip     Flip    `json:"flip"`
	Crop     Crop    `json:"crop"`
}

// ParseTransformSpec builds a TransformSpec from raw form values. It never
// fails: absent or malformed fields fall back to their defaults.
func ParseTransformSpec(form url.Values) TransformSpec {
	flip := Flip(strings.TrimSpace(form.Get(FieldFlip)))
	if flip == "" {
		flip = FlipNone
	}

	return TransformSpec{
		Width:    parseCount(form.Get(FieldWidth)),
		Height:   parseCount(form.Get(FieldHeight)),
		Rotation: parseDegrees(form.Get(FieldRotation)),
		Flip:     flip,
		Crop: Crop{
			Top:    parseCount(form.Get(FieldCropTop)),
			Left:   parseCount(form.Get(FieldCropLeft)),
			Width:  parseCount(form.Get(FieldCropWidth)),
			Height: parseCount(form.Get(FieldCropHeight)),
		},
	}
}

// WorkerArgs renders the positional argument list of the transformation
// worker: script, input, output, width, height, rotation, flip, crop top,
// crop left, crop width, crop height.
func (s TransformSpec) WorkerArgs(scriptPath, inputPath, outputPath string) []string {
	return []string{
		scriptPath,
		inputPath,
		outputPath,
		strconv.Itoa(s.Width),
		strconv.Itoa(s.Height),
		strconv.FormatFloat(s.Rotation, 'f', -1, 64),
		string(s.Flip),
		strconv.Itoa(s.Crop.Top),
		strconv.Itoa(s.Crop.Left),
		strconv.Itoa(s.Crop.Width),
		strconv.Itoa(s.Crop.Height),
	}
}

// parseCount parses a non-negative integer. Decimal input is truncated toward
// zero; anything unparsable or negative yields 0.
func parseCount(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return max(n, 0)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

func parseDegrees(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
