// Package sweep moves a stage through a sequence of positions and records an
// oscilloscope waveform at each one.
package sweep

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pewpewsetup/pewpew/keysight"
	"github.com/pewpewsetup/pewpew/metrics"
	"github.com/pewpewsetup/pewpew/oscilloscope"
	"github.com/pewpewsetup/pewpew/util"
)

// ErrBusy is generated when Run is called while another run is in progress
var ErrBusy = errors.New("a sweep is already running")

// Stage is the motion half of a sweep
type Stage interface {
	MoveHome(ctx context.Context) error
	MoveRelative(ctx context.Context, delta float64) (float64, error)
}

// Scope is the acquisition half of a sweep
type Scope interface {
	SingleAcquisition(cfg keysight.AcquisitionConfig, opts keysight.AcquireOptions) error
	GetWaveform(channel string, format keysight.WaveformFormat) (oscilloscope.Waveform, error)
	CaptureScreenImage() ([]byte, error)
}

// Config describes one sweep
type Config struct {
	// Start, Stop and Steps define the positions visited, in mm relative to
	// where the stage is when the sweep begins (or home)
	Start float64 `json:"start" yaml:"start" koanf:"start"`
	Stop  float64 `json:"stop" yaml:"stop" koanf:"stop"`
	Steps int     `json:"steps" yaml:"steps" koanf:"steps"`

	// OutDir is the folder files are written to, and Prefix begins each name
	OutDir string `json:"outDir" yaml:"outdir" koanf:"outdir"`
	Prefix string `json:"prefix" yaml:"prefix" koanf:"prefix"`

	// Home homes the stage before the first move
	Home bool `json:"home" yaml:"home" koanf:"home"`

	// FITS additionally writes each waveform as a FITS binary table
	FITS bool `json:"fits" yaml:"fits" koanf:"fits"`

	// Screenshot saves a PNG of the scope display at each position
	Screenshot bool `json:"screenshot" yaml:"screenshot" koanf:"screenshot"`

	// SkipFailed logs a failed acquisition and moves on instead of aborting.
	// Motion failures always abort.
	SkipFailed bool `json:"skipFailed" yaml:"skipfailed" koanf:"skipfailed"`

	Acquisition keysight.AcquisitionConfig `json:"acquisition" yaml:"-" koanf:"-"`
	Options     keysight.AcquireOptions    `json:"options" yaml:"-" koanf:"-"`
	Format      keysight.WaveformFormat    `json:"format" yaml:"-" koanf:"-"`

	// RunID labels the run, a random UUID when empty
	RunID string `json:"runID" yaml:"-" koanf:"-"`
}

// Plan returns the absolute positions of the sweep
func (c Config) Plan() []float64 {
	if c.Steps < 1 {
		return nil
	}
	return util.Linspace(c.Start, c.Stop, c.Steps)
}

// Step is the record of one position of a sweep
type Step struct {
	Index    int      `json:"index"`
	Target   float64  `json:"target"`
	Position float64  `json:"position"`
	Files    []string `json:"files"`
	Err      string   `json:"error,omitempty"`
}

// Result is the record of a sweep
type Result struct {
	RunID string `json:"runID"`
	Steps []Step `json:"steps"`
}

// Runner executes sweeps.  Only one sweep may run at a time.
type Runner struct {
	Stage   Stage
	Scope   Scope
	Log     logrus.FieldLogger
	Metrics *metrics.Collectors

	// Progress, if not nil, is called after each step
	Progress func(Step)

	running atomic.Bool
}

// Running is true while a sweep is in progress
func (r *Runner) Running() bool {
	return r.running.Load()
}

// FileName is the stem of the files written at a position, prefix_<pos*100>
func FileName(prefix string, pos float64) string {
	return prefix + "_" + strconv.FormatFloat(pos*100, 'g', 6, 64)
}

// Run executes the sweep described by cfg.  The result holds every step
// visited, including the one that failed.
func (r *Runner) Run(ctx context.Context, cfg Config) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer r.running.Store(false)

	res := Result{RunID: cfg.RunID}
	if res.RunID == "" {
		res.RunID = uuid.New().String()
	}
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("run", res.RunID)

	plan := cfg.Plan()
	if len(plan) == 0 {
		return res, errors.New("sweep has no steps")
	}
	if cfg.OutDir != "" {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return res, errors.Wrap(err, "creating output folder")
		}
	}
	log.WithFields(logrus.Fields{"start": cfg.Start, "stop": cfg.Stop, "steps": cfg.Steps}).Info("sweep started")
	if cfg.Home {
		if err := r.Stage.MoveHome(ctx); err != nil {
			return res, errors.Wrap(err, "homing")
		}
	}

	prev := 0.
	for i, target := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		step := Step{Index: i, Target: target}
		pos, err := r.Stage.MoveRelative(ctx, target-prev)
		prev = target
		step.Position = pos
		if err != nil {
			step.Err = err.Error()
			res.Steps = append(res.Steps, step)
			r.Metrics.SweepStep(err)
			return res, errors.Wrapf(err, "step %d", i)
		}

		step.Files, err = r.record(cfg, res.RunID, pos)
		r.Metrics.SweepStep(err)
		l := log.WithFields(logrus.Fields{"step": i, "position": pos})
		if err != nil {
			step.Err = err.Error()
			res.Steps = append(res.Steps, step)
			if !cfg.SkipFailed {
				return res, errors.Wrapf(err, "step %d", i)
			}
			l.WithError(err).Warn("acquisition failed, skipping")
			r.progress(step)
			continue
		}
		l.WithField("files", step.Files).Info("step complete")
		res.Steps = append(res.Steps, step)
		r.progress(step)
	}
	log.Info("sweep complete")
	return res, nil
}

func (r *Runner) progress(s Step) {
	if r.Progress != nil {
		r.Progress(s)
	}
}

// record acquires at the current position and writes the files
func (r *Runner) record(cfg Config, runID string, pos float64) ([]string, error) {
	if err := r.Scope.SingleAcquisition(cfg.Acquisition, cfg.Options); err != nil {
		return nil, err
	}
	wav, err := r.Scope.GetWaveform(cfg.Acquisition.Channel, cfg.Format)
	if err != nil {
		return nil, err
	}
	stem := filepath.Join(cfg.OutDir, FileName(cfg.Prefix, pos))
	var files []string

	fn := stem + ".csv"
	if err := writeFile(fn, wav.EncodeCSV); err != nil {
		return files, err
	}
	files = append(files, fn)

	if cfg.FITS {
		fn = stem + ".fits"
		cards := []fitsio.Card{
			{Name: "RUNID", Value: runID, Comment: "sweep run identifier"},
			{Name: "POSITION", Value: pos, Comment: "stage position [mm]"},
		}
		err := writeFile(fn, func(w io.Writer) error { return wav.EncodeFITS(w, cards...) })
		if err != nil {
			return files, err
		}
		files = append(files, fn)
	}

	if cfg.Screenshot {
		png, err := r.Scope.CaptureScreenImage()
		if err != nil {
			return files, err
		}
		fn = stem + ".png"
		if err := os.WriteFile(fn, png, 0o644); err != nil {
			return files, errors.Wrap(err, "writing screenshot")
		}
		files = append(files, fn)
	}
	return files, nil
}

func writeFile(fn string, enc func(io.Writer) error) error {
	f, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	if err = enc(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", fn)
	}
	return f.Close()
}
