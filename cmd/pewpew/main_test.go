package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpewsetup/pewpew/keysight"
	"github.com/pewpewsetup/pewpew/metrics"
	"github.com/pewpewsetup/pewpew/scpi/scpitest"
)

func load(t *testing.T, args ...string) Config {
	t.Helper()
	ko := koanf.New(".")
	flags := Flags()
	require.NoError(t, flags.Parse(args))
	require.NoError(t, LoadConfig(ko, flags))
	c := Config{}
	require.NoError(t, ko.Unmarshal("", &c))
	return c
}

func TestDefaults(t *testing.T) {
	c := load(t, "--config", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Equal(t, Defaults(), c)
	assert.Equal(t, 100*time.Millisecond, c.Stage.PollInterval)
	assert.Equal(t, 25., c.Stage.Limits.Max)
}

func TestLayering(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "pewpew.yml")
	yml := "stage:\n  baud: 19200\n  port: /dev/ttyS4\nsweep:\n  steps: 7\n  prefix: fromfile\n"
	require.NoError(t, os.WriteFile(fn, []byte(yml), 0o644))
	t.Setenv("PEWPEW_STAGE_PORT", "mock")
	t.Setenv("PEWPEW_SWEEP_OUTDIR", "/tmp/scan")

	c := load(t, "--config", fn, "--sweep.prefix", "fromflag")
	assert.Equal(t, 19200, c.Stage.Baud)
	assert.Equal(t, "mock", c.Stage.Port)
	assert.Equal(t, 7, c.Sweep.Steps)
	assert.Equal(t, "/tmp/scan", c.Sweep.OutDir)
	assert.Equal(t, "fromflag", c.Sweep.Prefix)
	assert.Equal(t, 9600, Defaults().Stage.Baud)
}

func TestAcquisitionConversion(t *testing.T) {
	sc := Defaults().Scope
	sc.SaveSetup = true
	cfg, opts, format, err := sc.Acquisition()
	require.NoError(t, err)
	assert.Equal(t, keysight.TriggerEdge, cfg.TriggerMode)
	assert.Equal(t, keysight.RealTime, cfg.AcquireMode)
	assert.Equal(t, keysight.Positive, cfg.TriggerSlope)
	assert.Equal(t, keysight.FormatByte, format)
	assert.Equal(t, 0.33, cfg.TriggerLevel)
	assert.True(t, opts.Autoscale)
	assert.Equal(t, "setup.set", opts.SaveSetup)
	assert.Empty(t, opts.LoadSetup)

	sc.LoadSetup = true
	_, _, _, err = sc.Acquisition()
	assert.Error(t, err)

	sc = Defaults().Scope
	sc.TriggerMode = "bogus"
	_, _, _, err = sc.Acquisition()
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	log, err := LogConf{Level: "debug", Format: "json"}.Logger()
	require.NoError(t, err)
	assert.Equal(t, "debug", log.GetLevel().String())
	_, err = LogConf{Level: "info", Format: "xml"}.Logger()
	assert.Error(t, err)
	_, err = LogConf{Level: "loud"}.Logger()
	assert.Error(t, err)
}

func TestBuildMux(t *testing.T) {
	log, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := Defaults()
	c.Stage.Port = MockPort
	c.Stage.PollInterval = time.Millisecond
	c.Stage.SampleDelay = time.Millisecond
	stage, err := openStage(context.Background(), c.Stage, log, m)
	require.NoError(t, err)
	scope := keysight.New(scpitest.New(), log)

	mux, runner, err := BuildMux(c, stage, scope, reg, m, log)
	require.NoError(t, err)
	require.NotNil(t, runner)
	defer runner.Shutdown()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/endpoints")
	require.NoError(t, err)
	var graph map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&graph))
	resp.Body.Close()
	assert.Contains(t, graph["/stage"], "GET /pos")
	assert.Contains(t, graph["/scope"], "GET /waveform")
	assert.Contains(t, graph["/sweep"], "POST /start")

	resp, err = http.Get(srv.URL + "/stage/pos")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// locking the stage locks the scope too
	resp, err = http.Post(srv.URL+"/stage/lock", "application/json", strings.NewReader(`{"bool": true}`))
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Get(srv.URL + "/scope/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
