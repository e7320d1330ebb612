// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pewpewsetup/pewpew/generichttp"
	"github.com/pewpewsetup/pewpew/generichttp/ascii"
	"github.com/pewpewsetup/pewpew/keysight"
	"github.com/pewpewsetup/pewpew/oscilloscope"
)

// Oscilloscope is a scope which digitizes single records
type Oscilloscope interface {
	SingleAcquisition(cfg keysight.AcquisitionConfig, opts keysight.AcquireOptions) error
	GetPreamble() (keysight.Preamble, error)
	GetWaveform(channel string, format keysight.WaveformFormat) (oscilloscope.Waveform, error)
	CaptureScreenImage() ([]byte, error)
	SaveSetup(path string) error
	LoadSetup(path string) error
	Measure(channel string) (keysight.Measurement, error)
	State() keysight.State
	ascii.RawCommunicator
}

// AcquireRequest is the body of POST /acquire.  SaveSetup and LoadSetup are
// bare file names inside the setup folder.
type AcquireRequest struct {
	keysight.AcquisitionConfig
	Autoscale bool   `json:"autoscale"`
	SaveSetup string `json:"saveSetup"`
	LoadSetup string `json:"loadSetup"`
}

// HTTPOscilloscope wraps an oscilloscope in an HTTP interface
type HTTPOscilloscope struct {
	RouteTable generichttp.RouteTable
}

// NewHTTPOscilloscope builds the route table for o.  Setup files named by
// clients are read from and written to setupDir only.
func NewHTTPOscilloscope(o Oscilloscope, setupDir string) HTTPOscilloscope {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/acquire"}:    Acquire(o, setupDir),
		{Method: http.MethodGet, Path: "/preamble"}:    Preamble(o),
		{Method: http.MethodGet, Path: "/waveform"}:    Waveform(o),
		{Method: http.MethodGet, Path: "/screenshot"}:  Screenshot(o),
		{Method: http.MethodGet, Path: "/measure"}:     Measure(o),
		{Method: http.MethodPost, Path: "/setup/save"}: SetupFile(setupDir, o.SaveSetup),
		{Method: http.MethodPost, Path: "/setup/load"}: SetupFile(setupDir, o.LoadSetup),
		{Method: http.MethodGet, Path: "/state"}: generichttp.GetString(func() (string, error) {
			return o.State().String(), nil
		}),
	}
	ascii.InjectRawComm(rt, o)
	return HTTPOscilloscope{RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPOscilloscope) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetupFile returns a handler calling fcn with {"str": name} resolved under dir
func SetupFile(dir string, fcn func(string) error) http.HandlerFunc {
	return generichttp.SetString(func(name string) error {
		path, err := generichttp.ResolveName(dir, name)
		if err != nil {
			return err
		}
		return fcn(path)
	})
}

// Acquire returns a handler which configures the scope and digitizes one record
func Acquire(o Oscilloscope, setupDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := AcquireRequest{}
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts := keysight.AcquireOptions{Autoscale: req.Autoscale}
		if req.SaveSetup != "" {
			if opts.SaveSetup, err = generichttp.ResolveName(setupDir, req.SaveSetup); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.LoadSetup != "" {
			if opts.LoadSetup, err = generichttp.ResolveName(setupDir, req.LoadSetup); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		err = o.SingleAcquisition(req.AcquisitionConfig, opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Preamble returns a handler replying with the preamble of the last record
func Preamble(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := o.GetPreamble()
		if err != nil {
			http.Error(w, err.Error(), stateStatus(err))
			return
		}
		generichttp.ReplyJSON(w, p)
	}
}

// Waveform returns a handler replying with the calibrated record of the last
// acquisition.  Query parameters: channel (default 1), format (default BYTE)
// and encoding, one of csv (default), json or fits.
func Waveform(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		format := keysight.FormatByte
		if s := q.Get("format"); s != "" {
			var err error
			format, err = keysight.ParseWaveformFormat(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		enc := q.Get("encoding")
		switch enc {
		case "", "csv", "json", "fits":
		default:
			http.Error(w, "encoding must be one of csv, json, fits", http.StatusBadRequest)
			return
		}
		wav, err := o.GetWaveform(q.Get("channel"), format)
		if err != nil {
			http.Error(w, err.Error(), stateStatus(err))
			return
		}
		switch enc {
		case "json":
			generichttp.ReplyJSON(w, wav)
			return
		case "fits":
			w.Header().Set("Content-Type", "application/fits")
			w.Header().Set("Content-Disposition", "attachment; filename=waveform.fits")
			err = wav.EncodeFITS(w)
		default:
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", "attachment; filename=waveform.csv")
			err = wav.EncodeCSV(w)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Screenshot returns a handler replying with a PNG of the display
func Screenshot(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		png, err := o.CaptureScreenImage()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	}
}

// Measure returns a handler replying with the frequency and amplitude of a channel
func Measure(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := o.Measure(r.URL.Query().Get("channel"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.ReplyJSON(w, m)
	}
}

// stateStatus maps asking for data before a digitize to 409 Conflict
func stateStatus(err error) int {
	if errors.Is(err, keysight.ErrNotDigitized) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
