package keysight

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/snksoft/crc"

	"github.com/pewpewsetup/pewpew/oscilloscope"
	"github.com/pewpewsetup/pewpew/scpi"
)

var setupCRC = crc.NewTable(crc.CRC32)

// AcquisitionConfig holds the settings applied before a single acquisition
type AcquisitionConfig struct {
	// Channel is the source, CHANnel1 or just 1
	Channel string `json:"channel"`

	// Scale is the vertical scale in volts per division
	Scale float64 `json:"scale"`

	// Offset is the vertical offset in volts
	Offset float64 `json:"offset"`

	// TimeScale is the horizontal scale in seconds per division
	TimeScale float64 `json:"timeScale"`

	// TimePosition is the delay from the trigger to the reference point in seconds
	TimePosition float64 `json:"timePosition"`

	AcquireMode AcquireMode `json:"acquireMode"`

	TriggerMode TriggerMode `json:"triggerMode"`

	// TriggerLevel and TriggerSlope only apply in TriggerEdge mode
	TriggerLevel float64 `json:"triggerLevel"`
	TriggerSlope Slope   `json:"triggerSlope"`

	// Points is the record length, :ACQuire:POINts
	Points int `json:"points"`

	// Probe is the probe attenuation factor, 1 when zero
	Probe float64 `json:"probe"`
}

// AcquireOptions modify how SingleAcquisition prepares the scope
type AcquireOptions struct {
	// Autoscale runs :AUToscale before the trigger is configured
	Autoscale bool

	// SaveSetup, if not empty, is a path the instrument setup is saved to
	// after the trigger is configured
	SaveSetup string

	// LoadSetup, if not empty, is a setup file restored in place of applying
	// the channel, timebase and acquire mode settings
	LoadSetup string
}

// Measurement is the result of the automatic measurements on one channel
type Measurement struct {
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"`
}

// setString issues "<header> <arg>" and reads back "<query>"
func (s *Scope) setString(header, arg, query string) (string, error) {
	cmd := header + " " + arg
	if err := s.SendCommand(cmd); err != nil {
		return "", err
	}
	got, err := s.QueryString(query)
	if err != nil {
		return "", err
	}
	s.Log.WithFields(logrus.Fields{"command": cmd, "readback": got}).Info("setting confirmed")
	return got, nil
}

// setNumber issues "<header> <v>" and reads back "<header>?".  A readback
// the instrument rounded away from v is logged as a warning.
func (s *Scope) setNumber(header string, v float64) (float64, error) {
	cmd := header + " " + strconv.FormatFloat(v, 'G', -1, 64)
	if err := s.SendCommand(cmd); err != nil {
		return 0, err
	}
	got, err := s.QueryNumber(header + "?")
	if err != nil {
		return 0, err
	}
	entry := s.Log.WithFields(logrus.Fields{"command": cmd, "readback": got})
	if math.Abs(got-v) > 1e-12+1e-3*math.Abs(v) {
		entry.Warn("instrument adjusted setting")
	} else {
		entry.Info("setting confirmed")
	}
	return got, nil
}

// configureTrigger sets the trigger mode and, for edge triggering, the
// source, level and slope
func (s *Scope) configureTrigger(cfg AcquisitionConfig) error {
	ch := ChannelName(cfg.Channel)
	if _, err := s.setString(":TRIGger:MODE", cfg.TriggerMode.String(), ":TRIGger:MODE?"); err != nil {
		return err
	}
	if cfg.TriggerMode != TriggerEdge {
		return nil
	}
	if _, err := s.setString(":TRIGger:EDGE:SOURce", ch, ":TRIGger:EDGE:SOURce?"); err != nil {
		return err
	}
	level := ch + "," + strconv.FormatFloat(cfg.TriggerLevel, 'G', -1, 64)
	if _, err := s.setString(":TRIGger:LEVel", level, ":TRIGger:LEVel? "+ch); err != nil {
		return err
	}
	_, err := s.setString(":TRIGger:EDGE:SLOPe", cfg.TriggerSlope.String(), ":TRIGger:EDGE:SLOPe?")
	return err
}

// configureChannel sets the vertical, horizontal and acquisition mode settings
func (s *Scope) configureChannel(cfg AcquisitionConfig) error {
	ch := ":" + ChannelName(cfg.Channel)
	if _, err := s.setNumber(ch+":SCALe", cfg.Scale); err != nil {
		return err
	}
	if _, err := s.setNumber(ch+":OFFSet", cfg.Offset); err != nil {
		return err
	}
	if _, err := s.setNumber(":TIMebase:SCALe", cfg.TimeScale); err != nil {
		return err
	}
	if _, err := s.setNumber(":TIMebase:POSition", cfg.TimePosition); err != nil {
		return err
	}
	_, err := s.setString(":ACQuire:MODE", cfg.AcquireMode.String(), ":ACQuire:MODE?")
	return err
}

// Configure applies the channel, timebase, acquire mode and trigger settings,
// reading each one back.  Any previous acquisition is invalidated.
func (s *Scope) Configure(cfg AcquisitionConfig) error {
	if err := s.transition(Configuring); err != nil {
		return err
	}
	err := s.configureChannel(cfg)
	if err == nil {
		err = s.configureTrigger(cfg)
	}
	if err != nil {
		s.transition(Idle)
	}
	return err
}

// SingleAcquisition prepares the scope and digitizes one record.  The probe
// factor is set, the scope is optionally autoscaled, the trigger configured,
// the setup optionally saved, then either a saved setup is restored or cfg is
// applied.  Finally the record length is set and :DIGitize issued, which
// blocks until the acquisition completes.
func (s *Scope) SingleAcquisition(cfg AcquisitionConfig, opts AcquireOptions) (err error) {
	defer func() {
		if err != nil {
			s.transition(Idle)
		}
		s.Metrics.Acquisition(err)
	}()
	if err = s.transition(Configuring); err != nil {
		return err
	}
	ch := ":" + ChannelName(cfg.Channel)
	probe := cfg.Probe
	if probe == 0 {
		probe = 1
	}
	if _, err = s.setNumber(ch+":PROBe", probe); err != nil {
		return err
	}
	if opts.Autoscale {
		s.Log.Info("autoscale")
		if err = s.SendCommand(":AUToscale"); err != nil {
			return err
		}
	}
	if err = s.configureTrigger(cfg); err != nil {
		return err
	}
	if opts.SaveSetup != "" {
		if err = s.SaveSetup(opts.SaveSetup); err != nil {
			return err
		}
	}
	if opts.LoadSetup != "" {
		err = s.LoadSetup(opts.LoadSetup)
	} else {
		err = s.configureChannel(cfg)
	}
	if err != nil {
		return err
	}
	if cfg.Points > 0 {
		if err = s.SendCommand(":ACQuire:POINts " + strconv.Itoa(cfg.Points)); err != nil {
			return err
		}
	}
	if err = s.transition(Triggered); err != nil {
		return err
	}
	if err = s.SendCommand(":DIGitize"); err != nil {
		return err
	}
	s.Log.WithField("channel", ChannelName(cfg.Channel)).Info("single acquisition completed")
	return s.transition(Digitized)
}

// GetPreamble retrieves and parses the waveform preamble of the last acquisition
func (s *Scope) GetPreamble() (Preamble, error) {
	if err := s.requireDigitized(); err != nil {
		return Preamble{}, err
	}
	return s.preamble()
}

func (s *Scope) preamble() (Preamble, error) {
	str, err := s.QueryString(":WAVeform:PREamble?")
	if err != nil {
		return Preamble{}, err
	}
	p, err := ParsePreamble(str)
	if err != nil {
		return Preamble{}, err
	}
	s.Log.WithFields(logrus.Fields{
		"format":     p.Format,
		"acqType":    p.AcquisitionType,
		"points":     p.Points,
		"xIncrement": p.XIncrement,
		"xOrigin":    p.XOrigin,
		"yIncrement": p.YIncrement,
		"yOrigin":    p.YOrigin,
		"coupling":   p.Coupling,
		"acqMode":    p.AcquireMode,
		"xUnits":     p.XUnits,
		"yUnits":     p.YUnits,
	}).Debug("waveform preamble")
	return p, nil
}

// GetWaveform transfers the record of the last acquisition for a channel in
// the given format and calibrates it to seconds and volts
func (s *Scope) GetWaveform(channel string, format WaveformFormat) (oscilloscope.Waveform, error) {
	var wav oscilloscope.Waveform
	if err := s.requireDigitized(); err != nil {
		return wav, err
	}
	ch := ChannelName(channel)
	typ, err := s.QueryString(":WAVeform:TYPE?")
	if err != nil {
		return wav, err
	}
	pts, err := s.QueryString(":WAVeform:POINts?")
	if err != nil {
		return wav, err
	}
	s.Log.WithFields(logrus.Fields{"type": typ, "points": pts}).Info("waveform record")

	if _, err = s.setString(":WAVeform:SOURce", ch, ":WAVeform:SOURce?"); err != nil {
		return wav, err
	}
	if _, err = s.setString(":WAVeform:FORMat", format.String(), ":WAVeform:FORMat?"); err != nil {
		return wav, err
	}
	if format.Width() > 1 {
		if err = s.SendCommand(":WAVeform:BYTeorder LSBFirst"); err != nil {
			return wav, err
		}
	}
	pre, err := s.preamble()
	if err != nil {
		return wav, err
	}
	// a streamed transfer does not carry a definite length block
	if err = s.SendCommand(":WAVeform:STReaming OFF"); err != nil {
		return wav, err
	}
	buf, err := s.QueryBinaryBlock(":WAVeform:DATA?")
	if err != nil {
		return wav, err
	}
	raw, err := DecodeSamples(buf, format)
	if err != nil {
		return wav, err
	}
	points, err := pre.Calibration().Calibrate(raw)
	if err != nil {
		return wav, err
	}
	s.Log.WithFields(logrus.Fields{"channel": ch, "samples": len(points)}).Info("waveform transferred")
	return oscilloscope.Waveform{
		Channel: ch,
		Date:    pre.Date,
		Time:    pre.Time,
		XUnits:  pre.XUnits.String(),
		YUnits:  pre.YUnits.String(),
		Points:  points,
	}, nil
}

// DecodeSamples converts a :WAVeform:DATA? payload to a slice of signed
// integers of the format's width, little endian, or []float64 for ASCii
func DecodeSamples(buf []byte, format WaveformFormat) (oscilloscope.Data, error) {
	w := format.Width()
	if format == FormatASCII {
		return decodeASCII(buf)
	}
	if w == 0 {
		return nil, &scpi.ParseError{Input: format.String(), Reason: "unsupported waveform format"}
	}
	if len(buf)%w != 0 {
		return nil, &scpi.ParseError{
			Input:  fmt.Sprintf("%d bytes", len(buf)),
			Reason: fmt.Sprintf("not a whole number of %d byte samples", w),
		}
	}
	n := len(buf) / w
	le := binary.LittleEndian
	switch format {
	case FormatByte:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(buf[i])
		}
		return out, nil
	case FormatWord:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(le.Uint16(buf[i*2:]))
		}
		return out, nil
	case FormatLong:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(le.Uint32(buf[i*4:]))
		}
		return out, nil
	default:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(le.Uint64(buf[i*8:]))
		}
		return out, nil
	}
}

func decodeASCII(buf []byte) ([]float64, error) {
	str := strings.TrimSpace(string(buf))
	if str == "" {
		return []float64{}, nil
	}
	pieces := strings.Split(strings.TrimSuffix(str, ","), ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, &scpi.ParseError{Input: p, Reason: "ASCii sample " + strconv.Itoa(i) + " is not a number"}
		}
		out[i] = f
	}
	return out, nil
}

// SaveSetup writes the instrument's setup to path verbatim
func (s *Scope) SaveSetup(path string) error {
	blob, err := s.QueryBinaryBlock(":SYSTem:SETup?")
	if err != nil {
		return err
	}
	if err = os.WriteFile(path, blob, 0644); err != nil {
		return errors.Wrap(err, "saving oscilloscope setup")
	}
	s.Log.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(blob),
		"crc32": fmt.Sprintf("%08x", setupCRC.CalculateCRC(blob)),
	}).Info("oscilloscope setup saved")
	return nil
}

// LoadSetup restores a setup previously written by SaveSetup.  The contents
// are not interpreted.
func (s *Scope) LoadSetup(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "loading oscilloscope setup")
	}
	if err = s.SendBinaryCommand(":SYSTem:SETup", blob); err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(blob),
		"crc32": fmt.Sprintf("%08x", setupCRC.CalculateCRC(blob)),
	}).Info("oscilloscope setup loaded")
	return nil
}

// CaptureScreenImage returns a PNG of the display
func (s *Scope) CaptureScreenImage() ([]byte, error) {
	return s.QueryBinaryBlock(":DISPlay:DATA? PNG")
}

// Measure runs the frequency and amplitude measurements on a channel
func (s *Scope) Measure(channel string) (Measurement, error) {
	var m Measurement
	ch := ChannelName(channel)
	if _, err := s.setString(":MEASure:SOURce", ch, ":MEASure:SOURce?"); err != nil {
		return m, err
	}
	if err := s.SendCommand(":MEASure:FREQuency"); err != nil {
		return m, err
	}
	f, err := s.QueryNumber(":MEASure:FREQuency?")
	if err != nil {
		return m, err
	}
	if err = s.SendCommand(":MEASure:VAMPlitude"); err != nil {
		return m, err
	}
	a, err := s.QueryNumber(":MEASure:VAMPlitude?")
	if err != nil {
		return m, err
	}
	m = Measurement{Frequency: f, Amplitude: a}
	s.Log.WithFields(logrus.Fields{"channel": ch, "frequency": f, "amplitude": a}).Info("measured")
	return m, nil
}
