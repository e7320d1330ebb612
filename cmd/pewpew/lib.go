package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pewpewsetup/pewpew/generichttp"
	"github.com/pewpewsetup/pewpew/generichttp/motion"
	"github.com/pewpewsetup/pewpew/generichttp/tmc"
	"github.com/pewpewsetup/pewpew/keysight"
	"github.com/pewpewsetup/pewpew/metrics"
	"github.com/pewpewsetup/pewpew/pi"
	"github.com/pewpewsetup/pewpew/server/middleware/locker"
	"github.com/pewpewsetup/pewpew/sweep"
	"github.com/pewpewsetup/pewpew/usbtmc"
)

// MockPort is the stage port which selects the simulated stage
const MockPort = "mock"

// openStage opens the stage of c, simulated if the port is MockPort
func openStage(ctx context.Context, c StageConf, log logrus.FieldLogger, m *metrics.Collectors) (*pi.Stage, error) {
	model, err := pi.LookupModel(c.Model)
	if err != nil {
		return nil, err
	}
	cfg := c.StageConfig()
	cfg.Log = log.WithField("device", "stage")
	cfg.Metrics = m
	if c.Port == MockPort {
		s := pi.New(pi.NewMock(), model, cfg)
		return s, s.Open(ctx)
	}
	return pi.Dial(ctx, model, c.Port, c.Baud, cfg)
}

// openScope opens, clears and resets the oscilloscope of c
func openScope(c ScopeConf, log logrus.FieldLogger, m *metrics.Collectors) (*keysight.Scope, error) {
	scope, err := keysight.Open(c.Address, c.Timeout, log.WithField("device", "scope"))
	if err != nil {
		return nil, err
	}
	scope.Metrics = m
	if err = scope.Initialize(); err != nil {
		scope.Close()
		return nil, err
	}
	return scope, nil
}

func run(ctx context.Context, c Config, log *logrus.Logger) error {
	cfg, err := c.SweepConfig()
	if err != nil {
		return err
	}
	scope, err := openScope(c.Scope, log, nil)
	if err != nil {
		return errors.Wrap(err, "opening oscilloscope")
	}
	defer scope.Close()
	stage, err := openStage(ctx, c.Stage, log, nil)
	if err != nil {
		return errors.Wrap(err, "opening stage")
	}
	defer stage.Close()

	spin, err := spinner("sweeping")
	if err != nil {
		return err
	}
	r := &sweep.Runner{
		Stage: stage,
		Scope: scope,
		Log:   log,
		Progress: func(s sweep.Step) {
			spin.Message(fmt.Sprintf("%d/%d at %.4f mm", s.Index+1, cfg.Steps, s.Position))
		},
	}
	res, err := r.Run(ctx, cfg)
	if err != nil {
		spin.StopFail()
		return err
	}
	spin.StopMessage(fmt.Sprintf("%d positions recorded, run %s", len(res.Steps), res.RunID))
	return spin.Stop()
}

func home(ctx context.Context, c Config, log *logrus.Logger) error {
	stage, err := openStage(ctx, c.Stage, log, nil)
	if err != nil {
		return err
	}
	defer stage.Close()
	spin, err := spinner("homing")
	if err != nil {
		return err
	}
	if err = stage.MoveHome(ctx); err != nil {
		spin.StopFail()
		return err
	}
	pos, err := stage.Position()
	if err != nil {
		spin.StopFail()
		return err
	}
	spin.StopMessage("position " + strconv.FormatFloat(pos, 'f', 6, 64) + " mm")
	return spin.Stop()
}

func find(c Config) error {
	insts, err := usbtmc.Find()
	if err != nil {
		fmt.Println("error searching USB:", err)
	}
	fmt.Println("USB test and measurement instruments:")
	if len(insts) == 0 {
		fmt.Println("\tnone")
	}
	for _, i := range insts {
		fmt.Printf("\t%s\t%s\n", i.Resource(), i.Name)
	}

	model, err := pi.LookupModel(c.Stage.Model)
	if err != nil {
		return err
	}
	fmt.Printf("Mercury network on %s:\n", c.Stage.Port)
	drv, err := pi.DialMMC(c.Stage.Port, c.Stage.Baud, model)
	if err != nil {
		fmt.Println("\t", err)
		return nil
	}
	defer drv.Close()
	n := c.Stage.MaxAxes
	if n == 0 {
		n = pi.MaxAxes
	}
	axes, err := drv.Enumerate(n)
	if err != nil {
		return err
	}
	if len(axes) == 0 {
		fmt.Println("\tno axes answered")
	}
	for _, a := range axes {
		drv.Select(a)
		ve, err := drv.Raw("VE")
		if err != nil {
			ve = err.Error()
		}
		fmt.Printf("\taxis %d\t%s\n", a, ve)
	}
	return nil
}

// BuildMux mounts the stage, scope and sweep routers, each nil device is skipped.
// The stage and scope share one lock, held while a sweep runs.  The sweep
// runner is nil unless both devices are present.
func BuildMux(c Config, stage *pi.Stage, scope *keysight.Scope, reg *prometheus.Registry, m *metrics.Collectors, log logrus.FieldLogger) (chi.Router, *sweep.HTTPRunner, error) {
	root := chi.NewRouter()
	root.Use(middleware.RequestID, middleware.Recoverer, middleware.Logger)
	lock := locker.New()
	supergraph := map[string][]string{}
	mount := func(endpoint string, h generichttp.HTTPer) {
		rt := h.RT()
		locker.Inject(rt, lock)
		hndlS := generichttp.SubMuxSanitize(endpoint)
		supergraph[hndlS] = rt.Endpoints()
		r := chi.NewRouter()
		r.Use(lock.Check)
		rt.Bind(r)
		root.Mount(hndlS, r)
	}
	if stage != nil {
		mount("stage", motion.NewHTTPStage(stage))
	}
	if scope != nil {
		mount("scope", tmc.NewHTTPOscilloscope(scope, c.Scope.SetupDir))
	}
	var runner *sweep.HTTPRunner
	if stage != nil && scope != nil {
		cfg, err := c.SweepConfig()
		if err != nil {
			return nil, nil, err
		}
		runner = &sweep.HTTPRunner{
			Runner:   &sweep.Runner{Stage: stage, Scope: scope, Log: log, Metrics: m},
			Defaults: cfg,
			SetupDir: c.Scope.SetupDir,
			Lock:     lock,
		}
		rt := runner.RT()
		supergraph["/sweep"] = rt.Endpoints()
		r := chi.NewRouter()
		rt.Bind(r)
		root.Mount("/sweep", r)
	}
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.ReplyJSON(w, supergraph)
	})
	return root, runner, nil
}

func serve(ctx context.Context, c Config, log *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	stage, err := openStage(ctx, c.Stage, log, m)
	if err != nil {
		log.WithError(err).Error("stage unavailable, it will not be served")
		stage = nil
	} else {
		defer stage.Close()
	}
	scope, err := openScope(c.Scope, log, m)
	if err != nil {
		log.WithError(err).Error("oscilloscope unavailable, it will not be served")
		scope = nil
	} else {
		defer scope.Close()
		if err = os.MkdirAll(c.Scope.SetupDir, 0o755); err != nil {
			return err
		}
	}
	if stage == nil && scope == nil {
		return errors.New("no hardware to serve")
	}
	mux, runner, err := BuildMux(c, stage, scope, reg, m, log)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	errs := make(chan error, 1)
	go func() {
		log.WithField("addr", c.Addr).Info("now listening for requests")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err = <-errs:
		return err
	case <-ctx.Done():
	}
	// the sweep must be done with the devices before they are closed
	if runner != nil {
		runner.Shutdown()
	}
	if stage != nil {
		stage.Stop()
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}
