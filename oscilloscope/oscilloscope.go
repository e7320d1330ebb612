// Package oscilloscope provides type definitions and encoders for waveforms
// recorded by an oscilloscope
package oscilloscope

import (
	"bufio"
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// Point is a single calibrated sample
type Point struct {
	// Time is seconds relative to the trigger
	Time float64 `json:"time"`

	// Voltage is the sample in the channel's vertical units
	Voltage float64 `json:"voltage"`
}

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// Channel is the source the waveform was recorded from, e.g. CHANnel1
	Channel string `json:"channel"`

	// Date and Time are the instrument's timestamp of the acquisition
	Date string `json:"date"`
	Time string `json:"time"`

	// XUnits and YUnits name the units of Time and Voltage
	XUnits string `json:"xUnits"`
	YUnits string `json:"yUnits"`

	Points []Point `json:"points"`
}

// Calibration maps raw sample indices and codes to physical units.
// time[i] = XOrigin + i*XIncrement, value[i] = raw[i]*YIncrement + YOrigin
type Calibration struct {
	XIncrement float64
	XOrigin    float64
	YIncrement float64
	YOrigin    float64
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

// Calibrate converts raw samples to time/voltage pairs.  raw must be one of
// []int8, []int16, []int32, []int64 or []float64.  A []float64 is taken to be
// in physical units already and only the time axis is computed for it.
func (c Calibration) Calibrate(raw Data) ([]Point, error) {
	var codes []float64
	physical := false
	switch v := raw.(type) {
	case []int8:
		codes = make([]float64, len(v))
		for i := range v {
			codes[i] = float64(v[i])
		}
	case []int16:
		codes = make([]float64, len(v))
		for i := range v {
			codes[i] = float64(v[i])
		}
	case []int32:
		codes = make([]float64, len(v))
		for i := range v {
			codes[i] = float64(v[i])
		}
	case []int64:
		codes = make([]float64, len(v))
		for i := range v {
			codes[i] = float64(v[i])
		}
	case []float64:
		codes = v
		physical = true
	default:
		return nil, fmt.Errorf("cannot calibrate samples of type %T", raw)
	}
	out := make([]Point, len(codes))
	for i, code := range codes {
		out[i].Time = c.XOrigin + float64(i)*c.XIncrement
		if physical {
			out[i].Voltage = code
		} else {
			out[i].Voltage = code*c.YIncrement + c.YOrigin
		}
	}
	return out, nil
}

// CSVHeader is the first line of a waveform CSV
const CSVHeader = "Date, Time, Time (s), Voltage (V)"

// EncodeCSV writes the waveform one sample per line, with the acquisition
// date and time repeated on each line
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, CSVHeader); err != nil {
		return err
	}
	for _, p := range wav.Points {
		_, err := fmt.Fprintf(bw, "%s, %s, %E, %f\n", wav.Date, wav.Time, p.Time, p.Voltage)
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// EncodeFITS writes the waveform as a two column binary table following an
// empty primary HDU.  extra cards are appended to the table header.
func (wav *Waveform) EncodeFITS(w io.Writer, extra ...fitsio.Card) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	phdu := fitsio.NewImage(8, nil)
	defer phdu.Close()
	if err = fits.Write(phdu); err != nil {
		return err
	}

	cols := []fitsio.Column{
		{Name: "TIME", Format: "D", Unit: wav.XUnits},
		{Name: "VOLTAGE", Format: "D", Unit: wav.YUnits},
	}
	tbl, err := fitsio.NewTable("WAVEFORM", cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	cards := []fitsio.Card{
		{Name: "CHANNEL", Value: wav.Channel, Comment: "oscilloscope source"},
		{Name: "DATE-OBS", Value: wav.Date, Comment: "acquisition date"},
		{Name: "TIME-OBS", Value: wav.Time, Comment: "acquisition time"},
	}
	if err = tbl.Header().Append(append(cards, extra...)...); err != nil {
		return err
	}
	for _, p := range wav.Points {
		t, v := p.Time, p.Voltage
		if err = tbl.Write(&t, &v); err != nil {
			return err
		}
	}
	return fits.Write(tbl)
}
