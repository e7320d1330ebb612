package sweep

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/pewpewsetup/pewpew/generichttp"
)

// Status is the reply of GET /status
type Status struct {
	Running bool   `json:"running"`
	Result  Result `json:"result"`
	Err     string `json:"error,omitempty"`
}

// HTTPRunner runs sweeps in the background on request
type HTTPRunner struct {
	Runner *Runner

	// Defaults is the configuration a request body is decoded over.  Its
	// OutDir and setup paths come from the operator; a request may only name
	// a subfolder of OutDir and bare setup files inside SetupDir.
	Defaults Config

	// SetupDir holds the setup files a request may save or load
	SetupDir string

	// Lock, if not nil, is held for the duration of each sweep
	Lock sync.Locker

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// RT returns the route table: POST /start, GET /status, POST /cancel
func (h *HTTPRunner) RT() generichttp.RouteTable {
	return generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:  h.Start,
		{Method: http.MethodGet, Path: "/status"}:  h.Status,
		{Method: http.MethodPost, Path: "/cancel"}: h.Cancel,
	}
}

// Start decodes a Config over the defaults and begins a sweep, replying
// 202 with {"str": runID}
func (h *HTTPRunner) Start(w http.ResponseWriter, r *http.Request) {
	cfg := h.Defaults
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&cfg)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := h.confine(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg.RunID = uuid.New().String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Running {
		http.Error(w, ErrBusy.Error(), http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.status = Status{Running: true, Result: Result{RunID: cfg.RunID}}
	if h.Lock != nil {
		h.Lock.Lock()
	}
	go h.run(ctx, cfg, h.done)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(generichttp.StrT{Str: cfg.RunID})
}

// confine resolves the file names a request changed from the defaults so that
// every file the sweep touches stays inside the operator's folders
func (h *HTTPRunner) confine(cfg *Config) error {
	var err error
	if cfg.OutDir != h.Defaults.OutDir {
		if cfg.OutDir, err = generichttp.ResolveName(h.Defaults.OutDir, cfg.OutDir); err != nil {
			return err
		}
	}
	if cfg.Prefix != h.Defaults.Prefix {
		if _, err = generichttp.ResolveName(".", cfg.Prefix); err != nil {
			return err
		}
	}
	if s := cfg.Options.SaveSetup; s != "" && s != h.Defaults.Options.SaveSetup {
		if cfg.Options.SaveSetup, err = generichttp.ResolveName(h.SetupDir, s); err != nil {
			return err
		}
	}
	if s := cfg.Options.LoadSetup; s != "" && s != h.Defaults.Options.LoadSetup {
		if cfg.Options.LoadSetup, err = generichttp.ResolveName(h.SetupDir, s); err != nil {
			return err
		}
	}
	return nil
}

func (h *HTTPRunner) run(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)
	res, err := h.Runner.Run(ctx, cfg)
	if h.Lock != nil {
		h.Lock.Unlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel()
	h.status = Status{Result: res}
	if err != nil {
		h.status.Err = err.Error()
	}
}

// Status replies with the state of the current or last sweep
func (h *HTTPRunner) Status(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	st := h.status
	h.mu.Unlock()
	generichttp.ReplyJSON(w, st)
}

// Cancel interrupts the running sweep.  A motion in progress is abandoned,
// not aborted; the stage stop route does that.
func (h *HTTPRunner) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Running {
		http.Error(w, "no sweep is running", http.StatusConflict)
		return
	}
	h.cancel()
	w.WriteHeader(http.StatusOK)
}

// Wait blocks until the sweep started last, if any, has finished
func (h *HTTPRunner) Wait() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown cancels the running sweep, if any, and waits for it to return
func (h *HTTPRunner) Shutdown() {
	h.mu.Lock()
	if h.status.Running {
		h.cancel()
	}
	h.mu.Unlock()
	h.Wait()
}
