package keysight

import (
	"math"
	"strconv"
	"strings"

	"github.com/pewpewsetup/pewpew/oscilloscope"
	"github.com/pewpewsetup/pewpew/scpi"
)

// PreambleFields is the number of comma separated fields in :WAVeform:PREamble?
const PreambleFields = 24

// Preamble describes how to interpret the waveform record that follows a
// :DIGitize.  It is only valid until the next configuration command.
type Preamble struct {
	Format          WaveformFormat  `json:"format"`
	AcquisitionType AcquisitionType `json:"acquisitionType"`
	Points          int             `json:"points"`
	AverageCount    int             `json:"averageCount"`

	XIncrement float64 `json:"xIncrement"`
	XOrigin    float64 `json:"xOrigin"`
	XReference float64 `json:"xReference"`
	YIncrement float64 `json:"yIncrement"`
	YOrigin    float64 `json:"yOrigin"`
	YReference float64 `json:"yReference"`

	Coupling Coupling `json:"coupling"`

	XDisplayRange  float64 `json:"xDisplayRange"`
	XDisplayOrigin float64 `json:"xDisplayOrigin"`
	YDisplayRange  float64 `json:"yDisplayRange"`
	YDisplayOrigin float64 `json:"yDisplayOrigin"`

	Date       string `json:"date"`
	Time       string `json:"time"`
	FrameModel string `json:"frameModel"`

	AcquireMode       AcquireMode `json:"acquireMode"`
	CompletionPercent int         `json:"completionPercent"`

	XUnits Units `json:"xUnits"`
	YUnits Units `json:"yUnits"`

	MaxBandwidth float64 `json:"maxBandwidth"`
	MinBandwidth float64 `json:"minBandwidth"`
}

// Calibration returns the transform from raw codes to seconds and volts
func (p Preamble) Calibration() oscilloscope.Calibration {
	return oscilloscope.Calibration{
		XIncrement: p.XIncrement,
		XOrigin:    p.XOrigin,
		YIncrement: p.YIncrement,
		YOrigin:    p.YOrigin,
	}
}

// preambleParser accumulates the first error while walking the fields
type preambleParser struct {
	fields []string
	err    error
}

func (pp *preambleParser) fail(i int, reason string) {
	if pp.err == nil {
		pp.err = &scpi.ParseError{Input: pp.fields[i], Reason: "preamble field " + strconv.Itoa(i) + ": " + reason}
	}
}

func (pp *preambleParser) float(i int) float64 {
	f, err := strconv.ParseFloat(pp.fields[i], 64)
	if err != nil {
		pp.fail(i, "not a number")
	}
	return f
}

// integer accepts integers written in floating point notation, as some firmware
// reports counts that way
func (pp *preambleParser) integer(i int) int {
	if n, err := strconv.Atoi(strings.TrimPrefix(pp.fields[i], "+")); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(pp.fields[i], 64)
	if err != nil || f != math.Trunc(f) {
		pp.fail(i, "not an integer")
		return 0
	}
	return int(f)
}

func (pp *preambleParser) enum(i int, t enumTable) int {
	n := pp.integer(i)
	if pp.err != nil {
		return 0
	}
	c, err := t.code(n)
	if err != nil {
		pp.fail(i, "unknown "+t.kind+" code")
	}
	return c
}

func (pp *preambleParser) str(i int) string {
	return strings.Trim(pp.fields[i], `"`)
}

// ParsePreamble decodes a :WAVeform:PREamble? response.  Any field count
// other than 24, non-numeric value or unknown enum code is a *scpi.ParseError.
func ParsePreamble(s string) (Preamble, error) {
	s = strings.TrimSpace(s)
	fields := strings.Split(s, ",")
	if len(fields) != PreambleFields {
		return Preamble{}, &scpi.ParseError{
			Input:  s,
			Reason: "preamble has " + strconv.Itoa(len(fields)) + " fields, expected " + strconv.Itoa(PreambleFields),
		}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	pp := &preambleParser{fields: fields}
	p := Preamble{
		Format:            WaveformFormat(pp.enum(0, formats)),
		AcquisitionType:   AcquisitionType(pp.enum(1, acqTypes)),
		Points:            pp.integer(2),
		AverageCount:      pp.integer(3),
		XIncrement:        pp.float(4),
		XOrigin:           pp.float(5),
		XReference:        pp.float(6),
		YIncrement:        pp.float(7),
		YOrigin:           pp.float(8),
		YReference:        pp.float(9),
		Coupling:          Coupling(pp.enum(10, couplings)),
		XDisplayRange:     pp.float(11),
		XDisplayOrigin:    pp.float(12),
		YDisplayRange:     pp.float(13),
		YDisplayOrigin:    pp.float(14),
		Date:              pp.str(15),
		Time:              pp.str(16),
		FrameModel:        pp.str(17),
		AcquireMode:       AcquireMode(pp.enum(18, acqModes)),
		CompletionPercent: pp.integer(19),
		XUnits:            Units(pp.enum(20, units)),
		YUnits:            Units(pp.enum(21, units)),
		MaxBandwidth:      pp.float(22),
		MinBandwidth:      pp.float(23),
	}
	if pp.err != nil {
		return Preamble{}, pp.err
	}
	return p, nil
}
