package keysight

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/pewpewsetup/pewpew/scpi"
)

// enumTable maps the small integer codes used in preambles to SCPI mnemonics
type enumTable struct {
	kind  string
	names map[int]string
}

func (t enumTable) name(code int) string {
	if n, ok := t.names[code]; ok {
		return n
	}
	return fmt.Sprintf("%s(%d)", t.kind, code)
}

// code validates a numeric code
func (t enumTable) code(code int) (int, error) {
	if _, ok := t.names[code]; !ok {
		return 0, &scpi.ParseError{
			Input:  strconv.Itoa(code),
			Reason: "unknown " + t.kind + " code",
		}
	}
	return code, nil
}

// lookup finds the code for a mnemonic in either long or short form,
// ignoring case.  "RTIMe", "RTIM" and "rtime" all match RTIMe.
func (t enumTable) lookup(s string) (int, error) {
	s = strings.TrimSpace(s)
	for code, n := range t.names {
		if strings.EqualFold(s, n) || strings.EqualFold(s, shortForm(n)) {
			return code, nil
		}
	}
	return 0, &scpi.ParseError{Input: s, Reason: "unknown " + t.kind}
}

// shortForm reduces a SCPI mnemonic to its upper case letters, RTIMe -> RTIM.
// Mnemonics without lower case letters are returned as is.
func shortForm(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsLower(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	formats = enumTable{"waveform format", map[int]string{
		0: "ASCii", 1: "BYTE", 2: "WORD", 3: "LONG", 4: "LONGLONG",
	}}
	acqTypes = enumTable{"acquisition type", map[int]string{
		1: "RAW", 2: "AVERage", 3: "VHIStogram", 4: "HHIStogram", 6: "INTerpolate", 10: "PDETect",
	}}
	acqModes = enumTable{"acquire mode", map[int]string{
		0: "RTIMe", 1: "ETIMe", 3: "PDETect",
	}}
	couplings = enumTable{"coupling", map[int]string{
		0: "AC", 1: "DC", 2: "DCFIFTY", 3: "LFREJECT",
	}}
	units = enumTable{"units", map[int]string{
		0: "UNKNOWN", 1: "VOLT", 2: "SECOND", 3: "CONSTANT", 4: "AMP", 5: "DECIBEL",
	}}
	triggerModes = enumTable{"trigger mode", map[int]string{
		0: "EDGE", 1: "GLITCH", 2: "PATTERN", 3: "STATE", 4: "DELAY", 5: "TIMEOUT",
		6: "TV", 7: "COMM", 8: "RUNT", 9: "SEQUENCE", 10: "SHOLD", 11: "TRANSITION",
		12: "WINDOW", 13: "PWIDth", 14: "ADVANCED", 15: "SBUS1",
	}}
	slopes = enumTable{"trigger slope", map[int]string{
		0: "POSitive", 1: "NEGative",
	}}
)

// WaveformFormat is the encoding of :WAVeform:DATA? responses
type WaveformFormat int

const (
	// FormatASCII is comma separated values already in volts
	FormatASCII WaveformFormat = 0
	// FormatByte is one signed byte per sample
	FormatByte WaveformFormat = 1
	// FormatWord is a signed 16-bit integer per sample
	FormatWord WaveformFormat = 2
	// FormatLong is a signed 32-bit integer per sample
	FormatLong WaveformFormat = 3
	// FormatLongLong is a signed 64-bit integer per sample
	FormatLongLong WaveformFormat = 4
)

func (f WaveformFormat) String() string { return formats.name(int(f)) }

// Width is the number of bytes per sample, zero for ASCii
func (f WaveformFormat) Width() int {
	switch f {
	case FormatByte:
		return 1
	case FormatWord:
		return 2
	case FormatLong:
		return 4
	case FormatLongLong:
		return 8
	default:
		return 0
	}
}

// ParseWaveformFormat looks up a format by mnemonic
func ParseWaveformFormat(s string) (WaveformFormat, error) {
	c, err := formats.lookup(s)
	return WaveformFormat(c), err
}

// AcquisitionType is the kind of record the scope holds
type AcquisitionType int

// acquisition types
const (
	AcqRaw         AcquisitionType = 1
	AcqAverage     AcquisitionType = 2
	AcqVHistogram  AcquisitionType = 3
	AcqHHistogram  AcquisitionType = 4
	AcqInterpolate AcquisitionType = 6
	AcqPeakDetect  AcquisitionType = 10
)

func (a AcquisitionType) String() string { return acqTypes.name(int(a)) }

// AcquireMode is the sampling mode, :ACQuire:MODE
type AcquireMode int

// acquire modes
const (
	RealTime       AcquireMode = 0
	EquivalentTime AcquireMode = 1
	PeakDetect     AcquireMode = 3
)

func (m AcquireMode) String() string { return acqModes.name(int(m)) }

// ParseAcquireMode looks up an acquire mode by mnemonic
func ParseAcquireMode(s string) (AcquireMode, error) {
	c, err := acqModes.lookup(s)
	return AcquireMode(c), err
}

// Coupling is the input coupling of a channel
type Coupling int

// couplings
const (
	CouplingAC       Coupling = 0
	CouplingDC       Coupling = 1
	CouplingDC50     Coupling = 2
	CouplingLFReject Coupling = 3
)

func (c Coupling) String() string { return couplings.name(int(c)) }

// Units are the physical units of a waveform axis
type Units int

// units
const (
	UnitsUnknown  Units = 0
	UnitsVolt     Units = 1
	UnitsSecond   Units = 2
	UnitsConstant Units = 3
	UnitsAmp      Units = 4
	UnitsDecibel  Units = 5
)

func (u Units) String() string { return units.name(int(u)) }

// TriggerMode is :TRIGger:MODE
type TriggerMode int

// trigger modes
const (
	TriggerEdge TriggerMode = iota
	TriggerGlitch
	TriggerPattern
	TriggerState
	TriggerDelay
	TriggerTimeout
	TriggerTV
	TriggerComm
	TriggerRunt
	TriggerSequence
	TriggerSetupHold
	TriggerTransition
	TriggerWindow
	TriggerPulseWidth
	TriggerAdvanced
	TriggerSerialBus
)

func (m TriggerMode) String() string { return triggerModes.name(int(m)) }

// ParseTriggerMode looks up a trigger mode by mnemonic
func ParseTriggerMode(s string) (TriggerMode, error) {
	c, err := triggerModes.lookup(s)
	return TriggerMode(c), err
}

// Slope is the edge trigger slope
type Slope int

// slopes
const (
	Positive Slope = 0
	Negative Slope = 1
)

func (s Slope) String() string { return slopes.name(int(s)) }

// ParseSlope looks up a slope by mnemonic
func ParseSlope(s string) (Slope, error) {
	c, err := slopes.lookup(s)
	return Slope(c), err
}

// MarshalText renders the mnemonic, so JSON and YAML show BYTE rather than 1
func (f WaveformFormat) MarshalText() ([]byte, error) { return marshal(formats, int(f)) }

// UnmarshalText accepts any form ParseWaveformFormat does
func (f *WaveformFormat) UnmarshalText(b []byte) error {
	v, err := ParseWaveformFormat(string(b))
	*f = v
	return err
}

// MarshalText renders the mnemonic
func (a AcquisitionType) MarshalText() ([]byte, error) { return marshal(acqTypes, int(a)) }

// MarshalText renders the mnemonic
func (m AcquireMode) MarshalText() ([]byte, error) { return marshal(acqModes, int(m)) }

// UnmarshalText accepts any form ParseAcquireMode does
func (m *AcquireMode) UnmarshalText(b []byte) error {
	v, err := ParseAcquireMode(string(b))
	*m = v
	return err
}

// MarshalText renders the mnemonic
func (c Coupling) MarshalText() ([]byte, error) { return marshal(couplings, int(c)) }

// MarshalText renders the mnemonic
func (u Units) MarshalText() ([]byte, error) { return marshal(units, int(u)) }

// MarshalText renders the mnemonic
func (m TriggerMode) MarshalText() ([]byte, error) { return marshal(triggerModes, int(m)) }

// UnmarshalText accepts any form ParseTriggerMode does
func (m *TriggerMode) UnmarshalText(b []byte) error {
	v, err := ParseTriggerMode(string(b))
	*m = v
	return err
}

// MarshalText renders the mnemonic
func (s Slope) MarshalText() ([]byte, error) { return marshal(slopes, int(s)) }

// UnmarshalText accepts any form ParseSlope does
func (s *Slope) UnmarshalText(b []byte) error {
	v, err := ParseSlope(string(b))
	*s = v
	return err
}

func marshal(t enumTable, code int) ([]byte, error) {
	if _, err := t.code(code); err != nil {
		return nil, err
	}
	return []byte(t.names[code]), nil
}
