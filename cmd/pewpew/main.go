package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pewpew.yml"
	k              = koanf.New(".")
)

func root() {
	str := `pewpew moves a translation stage through a series of positions and
records an oscilloscope waveform at each one.

Usage:
	pewpew <command> [flags]

Commands:
	run
	serve
	home
	find
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help(flags *pflag.FlagSet) {
	str := `pewpew is configured by pewpew.yml, then the environment, then flags.
Run "pewpew mkconf" to write the defaults to pewpew.yml.  For a primer on
YAML, see https://yaml.org/start.html

Environment variables are PEWPEW_ followed by the key path, e.g.
PEWPEW_STAGE_PORT=/dev/ttyUSB1 sets stage.port.  A .env file in the working
directory is read first.

run	home the stage, then for each position in linspace(start, stop, steps)
	move there, digitize one record and write <prefix>_<position*100>.csv
serve	expose the stage at /stage, the scope at /scope, sweeps at /sweep and
	prometheus metrics at /metrics
home	home the stage and print its position
find	list USB oscilloscopes and probe the stage serial port

A stage port of "mock" simulates the stage.

Hardware:
- PI
	> C-862/C-863 Mercury network, M-112.1DG stage
- Keysight
	> Infiniium oscilloscopes over USBTMC or LAN (port 5025)

Flags:`
	fmt.Println(str)
	fmt.Println(flags.FlagUsages())
}

func mkconf() error {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf() error {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("pewpew version %v\n", Version)
}

// spinner starts a terminal spinner with the given suffix
func spinner(suffix string) (*yacspin.Spinner, error) {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		return nil, err
	}
	return s, s.Start()
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	flags := Flags()
	if err := flags.Parse(args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := LoadConfig(k, flags); err != nil {
		logrus.Fatalf("error loading config: %v", err)
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		logrus.Fatal(err)
	}
	log, err := c.Log.Logger()
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "help":
		help(flags)
	case "mkconf":
		err = mkconf()
	case "conf":
		err = printconf()
	case "version":
		pversion()
	case "run":
		err = run(ctx, c, log)
	case "serve":
		err = serve(ctx, c, log)
	case "home":
		err = home(ctx, c, log)
	case "find":
		err = find(c)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatal(err)
	}
}
