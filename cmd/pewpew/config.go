package main

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/pewpewsetup/pewpew/keysight"
	"github.com/pewpewsetup/pewpew/pi"
	"github.com/pewpewsetup/pewpew/sweep"
	"github.com/pewpewsetup/pewpew/util"
)

// EnvPrefix begins every environment variable read, PEWPEW_STAGE_PORT sets stage.port
const EnvPrefix = "PEWPEW_"

// LogConf controls logging
type LogConf struct {
	// Level is one of trace, debug, info, warn, error
	Level string `yaml:"level" koanf:"level"`

	// Format is text or json
	Format string `yaml:"format" koanf:"format"`
}

// StageConf describes the translation stage
type StageConf struct {
	// Model is a key of pi.Models, e.g. M-112.1DG
	Model string `yaml:"model" koanf:"model"`

	// Port is the serial port of the Mercury network, or "mock"
	Port string `yaml:"port" koanf:"port"`
	Baud int    `yaml:"baud" koanf:"baud"`

	// Limits are the software travel limits in mm
	Limits util.Limiter `yaml:"limits" koanf:"limits"`

	MaxAxes       int           `yaml:"maxaxes" koanf:"maxaxes"`
	Threshold     float64       `yaml:"threshold" koanf:"threshold"`
	PollInterval  time.Duration `yaml:"pollinterval" koanf:"pollinterval"`
	SampleDelay   time.Duration `yaml:"sampledelay" koanf:"sampledelay"`
	HomeSettle    time.Duration `yaml:"homesettle" koanf:"homesettle"`
	SettleTimeout time.Duration `yaml:"settletimeout" koanf:"settletimeout"`
}

// ScopeConf describes the oscilloscope and the acquisition made at each position
type ScopeConf struct {
	// Address is a VISA resource string or host:port
	Address string        `yaml:"address" koanf:"address"`
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`

	Channel      string  `yaml:"channel" koanf:"channel"`
	Scale        float64 `yaml:"scale" koanf:"scale"`
	Offset       float64 `yaml:"offset" koanf:"offset"`
	TimeScale    float64 `yaml:"timescale" koanf:"timescale"`
	TimePosition float64 `yaml:"timeposition" koanf:"timeposition"`
	AcquireMode  string  `yaml:"acquiremode" koanf:"acquiremode"`
	TriggerMode  string  `yaml:"triggermode" koanf:"triggermode"`
	TriggerLevel float64 `yaml:"triggerlevel" koanf:"triggerlevel"`
	TriggerSlope string  `yaml:"triggerslope" koanf:"triggerslope"`
	Points       int     `yaml:"points" koanf:"points"`
	Probe        float64 `yaml:"probe" koanf:"probe"`
	Format       string  `yaml:"format" koanf:"format"`

	Autoscale bool `yaml:"autoscale" koanf:"autoscale"`

	// SaveSetup saves the instrument setup to SetupFile before each acquisition,
	// LoadSetup restores it in place of the settings above
	SaveSetup bool   `yaml:"savesetup" koanf:"savesetup"`
	LoadSetup bool   `yaml:"loadsetup" koanf:"loadsetup"`
	SetupFile string `yaml:"setupfile" koanf:"setupfile"`

	// SetupDir holds the setup files HTTP clients save and load by name
	SetupDir string `yaml:"setupdir" koanf:"setupdir"`
}

// Config is the whole configuration of pewpew
type Config struct {
	// Addr is the address the HTTP server listens at
	Addr string `yaml:"addr" koanf:"addr"`

	Log   LogConf      `yaml:"log" koanf:"log"`
	Stage StageConf    `yaml:"stage" koanf:"stage"`
	Scope ScopeConf    `yaml:"scope" koanf:"scope"`
	Sweep sweep.Config `yaml:"sweep" koanf:"sweep"`
}

// Defaults mirror the bench the program was written for
func Defaults() Config {
	return Config{
		Addr: ":8000",
		Log:  LogConf{Level: "info", Format: "text"},
		Stage: StageConf{
			Model:         "M1121DG",
			Port:          "/dev/ttyUSB0",
			Baud:          9600,
			Limits:        util.Limiter{Min: 0, Max: 25},
			MaxAxes:       3,
			Threshold:     0.0001,
			PollInterval:  100 * time.Millisecond,
			SampleDelay:   10 * time.Millisecond,
			HomeSettle:    500 * time.Millisecond,
			SettleTimeout: time.Minute,
		},
		Scope: ScopeConf{
			Address:      "USB0::0x0957::0x900A::MY51050155::INSTR",
			Timeout:      keysight.DefaultTimeout,
			Channel:      "CHANnel1",
			Scale:        0.1,
			TimeScale:    200e-6,
			AcquireMode:  "RTIMe",
			TriggerMode:  "EDGE",
			TriggerLevel: 330e-3,
			TriggerSlope: "POSitive",
			Points:       32000,
			Probe:        1,
			Format:       "BYTE",
			Autoscale:    true,
			SetupFile:    "setup.set",
			SetupDir:     "setups",
		},
		Sweep: sweep.Config{
			Start:  0,
			Stop:   10e-3,
			Steps:  5,
			OutDir: "data",
			Prefix: "waveform_data",
			Home:   true,
		},
	}
}

// Flags are the command line overrides.  Their names are koanf keys.
func Flags() *pflag.FlagSet {
	f := pflag.NewFlagSet("pewpew", pflag.ContinueOnError)
	f.StringP("config", "c", ConfigFileName, "configuration file")
	f.String("addr", "", "HTTP listen address")
	f.String("log.level", "", "log level")
	f.String("log.format", "", "log format, text or json")
	f.String("stage.port", "", "stage serial port, or mock")
	f.Int("stage.baud", 0, "stage baud rate")
	f.String("scope.address", "", "oscilloscope VISA resource or host:port")
	f.Float64("sweep.start", 0, "first position [mm]")
	f.Float64("sweep.stop", 0, "last position [mm]")
	f.Int("sweep.steps", 0, "number of positions")
	f.String("sweep.outdir", "", "output folder")
	f.String("sweep.prefix", "", "output file prefix")
	f.Bool("sweep.fits", false, "also write FITS files")
	f.Bool("sweep.screenshot", false, "also save a screenshot at each position")
	return f
}

// envKey maps PEWPEW_STAGE_PORT to stage.port
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
}

// LoadConfig layers, lowest priority first: defaults, the configuration file,
// .env and the environment, then flags the user set
func LoadConfig(k *koanf.Koanf, flags *pflag.FlagSet) error {
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return err
	}
	fn := ConfigFileName
	if flags != nil {
		if s, err := flags.GetString("config"); err == nil && s != "" {
			fn = s
		}
	}
	if err := k.Load(file.Provider(fn), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return errors.Wrap(err, "loading config")
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "loading .env")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return err
	}
	if flags != nil {
		return k.Load(posflag.Provider(flags, ".", k), nil)
	}
	return nil
}

// Logger builds the logger described by c
func (c LogConf) Logger() (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	switch c.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown log format %q", c.Format)
	}
	return log, nil
}

// StageConfig converts to the tunables of pi.Stage
func (c StageConf) StageConfig() pi.Config {
	return pi.Config{
		Limits:        c.Limits,
		MaxAxes:       c.MaxAxes,
		Threshold:     c.Threshold,
		PollInterval:  c.PollInterval,
		SampleDelay:   c.SampleDelay,
		HomeSettle:    c.HomeSettle,
		SettleTimeout: c.SettleTimeout,
	}
}

// Acquisition converts to the settings of a single acquisition
func (c ScopeConf) Acquisition() (keysight.AcquisitionConfig, keysight.AcquireOptions, keysight.WaveformFormat, error) {
	var (
		cfg    keysight.AcquisitionConfig
		opts   keysight.AcquireOptions
		format keysight.WaveformFormat
		err    error
	)
	if cfg.AcquireMode, err = keysight.ParseAcquireMode(c.AcquireMode); err != nil {
		return cfg, opts, format, err
	}
	if cfg.TriggerMode, err = keysight.ParseTriggerMode(c.TriggerMode); err != nil {
		return cfg, opts, format, err
	}
	if cfg.TriggerSlope, err = keysight.ParseSlope(c.TriggerSlope); err != nil {
		return cfg, opts, format, err
	}
	if format, err = keysight.ParseWaveformFormat(c.Format); err != nil {
		return cfg, opts, format, err
	}
	if c.SaveSetup && c.LoadSetup {
		return cfg, opts, format, errors.New("savesetup and loadsetup are exclusive")
	}
	cfg.Channel = c.Channel
	cfg.Scale = c.Scale
	cfg.Offset = c.Offset
	cfg.TimeScale = c.TimeScale
	cfg.TimePosition = c.TimePosition
	cfg.TriggerLevel = c.TriggerLevel
	cfg.Points = c.Points
	cfg.Probe = c.Probe

	opts.Autoscale = c.Autoscale
	if c.SaveSetup {
		opts.SaveSetup = c.SetupFile
	}
	if c.LoadSetup {
		opts.LoadSetup = c.SetupFile
	}
	return cfg, opts, format, nil
}

// SweepConfig completes the sweep section with the acquisition settings
func (c Config) SweepConfig() (sweep.Config, error) {
	s := c.Sweep
	var err error
	s.Acquisition, s.Options, s.Format, err = c.Scope.Acquisition()
	return s, err
}
