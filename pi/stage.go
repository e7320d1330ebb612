package pi

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pewpewsetup/pewpew/metrics"
	"github.com/pewpewsetup/pewpew/util"
)

// ConnState is the lifecycle state of a Stage
type ConnState int

const (
	// Uninitialized is a stage which has not been opened
	Uninitialized ConnState = iota
	// Open is a stage ready for motion
	Open
	// Closed is a stage whose transport has been released
	Closed
)

func (c ConnState) String() string {
	switch c {
	case Uninitialized:
		return "Uninitialized"
	case Open:
		return "Open"
	default:
		return "Closed"
	}
}

// Config holds the tunables of a Stage.  Zero values take the defaults
// noted on each field.
type Config struct {
	// Limits are the software travel limits in mm, the model's travel when zero
	Limits util.Limiter

	// MaxAxes is the number of addresses probed on Open, 3
	MaxAxes int

	// Threshold is the position change in mm above which the stage is
	// considered moving, 0.0001
	Threshold float64

	// PollInterval is the time between motion checks while settling, 100 ms
	PollInterval time.Duration

	// SampleDelay is the time between the two position samples of IsMoving, 10 ms
	SampleDelay time.Duration

	// HomeSettle is the wait after defining home, 500 ms
	HomeSettle time.Duration

	// SettleTimeout bounds the wait for a motion to complete, 60 s
	SettleTimeout time.Duration

	// Log receives the before and after positions of every motion
	Log logrus.FieldLogger

	// Metrics records motions, may be nil
	Metrics *metrics.Collectors
}

func (c *Config) defaults(model StageModel) {
	if c.Limits.Min == 0 && c.Limits.Max == 0 {
		c.Limits.Max = model.Travel
	}
	if c.MaxAxes == 0 {
		c.MaxAxes = 3
	}
	if c.Threshold == 0 {
		c.Threshold = 0.0001
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.SampleDelay == 0 {
		c.SampleDelay = 10 * time.Millisecond
	}
	if c.HomeSettle == 0 {
		c.HomeSettle = 500 * time.Millisecond
	}
	if c.SettleTimeout == 0 {
		c.SettleTimeout = time.Minute
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
}

// Stage is a single axis of a Mercury network with bounded, settle-verified
// motion.  Stop may be called from any goroutine while a motion is settling.
type Stage struct {
	cfg Config

	// mu guards drv and state, and is never held across a poll interval
	mu    sync.Mutex
	drv   Driver
	state ConnState
	axis  int

	stops atomic.Int64
}

// New returns an uninitialized stage over a driver
func New(drv Driver, model StageModel, cfg Config) *Stage {
	cfg.defaults(model)
	return &Stage{drv: drv, cfg: cfg}
}

// Dial opens the serial port of a Mercury network and opens the first axis
func Dial(ctx context.Context, model StageModel, port string, baud int, cfg Config) (*Stage, error) {
	drv, err := DialMMC(port, baud, model)
	if err != nil {
		return nil, err
	}
	s := New(drv, model, cfg)
	if err = s.Open(ctx); err != nil {
		drv.Close()
		return nil, err
	}
	return s, nil
}

// Open enumerates the network, selects the first axis found and reads its
// position
func (s *Stage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Uninitialized {
		return ErrNotOpen
	}
	axes, err := s.drv.Enumerate(s.cfg.MaxAxes)
	if err != nil {
		return err
	}
	if len(axes) == 0 {
		return ErrNoDeviceFound
	}
	if err = s.drv.Select(axes[0]); err != nil {
		return err
	}
	pos, err := s.drv.Position()
	if err != nil {
		return err
	}
	s.axis = axes[0]
	s.state = Open
	s.cfg.Log.WithFields(logrus.Fields{"axis": s.axis, "axes": axes, "position": pos}).Info("stage initialized")
	return nil
}

// State returns the lifecycle state
func (s *Stage) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Axis returns the selected axis, 0 before Open
func (s *Stage) Axis() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axis
}

// Limits returns the software travel limits
func (s *Stage) Limits() util.Limiter {
	return s.cfg.Limits
}

// do runs f on the driver if the stage is open
func (s *Stage) do(f func(Driver) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return ErrNotOpen
	}
	return f(s.drv)
}

// Position returns the current position in mm
func (s *Stage) Position() (float64, error) {
	var pos float64
	err := s.do(func(d Driver) error {
		var err error
		pos, err = d.Position()
		return err
	})
	return pos, err
}

// IsMoving samples the position twice, SampleDelay apart, and reports motion
// if they differ by more than the threshold
func (s *Stage) IsMoving(ctx context.Context) (bool, error) {
	p1, err := s.Position()
	if err != nil {
		return false, err
	}
	if err = sleep(ctx, s.cfg.SampleDelay); err != nil {
		return false, err
	}
	p2, err := s.Position()
	if err != nil {
		return false, err
	}
	return math.Abs(p2-p1) > s.cfg.Threshold, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// settle polls IsMoving every PollInterval until the stage stops, the
// settle timeout passes or parent is done
func (s *Stage) settle(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SettleTimeout)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return s.settleErr(parent, ctx, err)
		}
		moving, err := s.IsMoving(ctx)
		if err != nil {
			return s.settleErr(parent, ctx, err)
		}
		if !moving {
			return nil
		}
	}
}

// settleErr reports the caller's context error as is and converts only the
// settle deadline to ErrMotionTimeout.  The limiter refuses to wait past a
// deadline before it is reached, so whose deadline is nearer decides that case.
func (s *Stage) settleErr(parent, ctx context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if ctx.Err() == context.DeadlineExceeded {
		return ErrMotionTimeout
	}
	dl, ok := ctx.Deadline()
	if !ok || ctx.Err() != nil || time.Until(dl) >= s.cfg.PollInterval {
		return err
	}
	if pdl, ok := parent.Deadline(); ok && !pdl.After(dl) {
		return context.DeadlineExceeded
	}
	return ErrMotionTimeout
}

// finish reads the settled position, logs and records the motion
func (s *Stage) finish(kind string, begin time.Time, from float64, stops int64, err error) (float64, error) {
	pos, perr := s.Position()
	if err == nil {
		err = perr
	}
	if err == nil && s.stops.Load() != stops {
		err = ErrStopped
	}
	fields := logrus.Fields{"axis": s.Axis(), "from": from, "to": pos}
	s.cfg.Metrics.Move(kind, time.Since(begin).Seconds(), pos, err)
	if err != nil {
		s.cfg.Log.WithFields(fields).WithError(err).Error(kind + " failed")
		return pos, &MotionError{Op: kind, Position: pos, Err: err}
	}
	s.cfg.Log.WithFields(fields).Info(kind + " complete")
	return pos, nil
}

// MoveRelative moves by delta mm, clamped to the travel limits, and waits for
// the motion to settle.  The settled position is returned.
func (s *Stage) MoveRelative(ctx context.Context, delta float64) (float64, error) {
	return s.move(ctx, "move", func(cur float64) float64 { return cur + delta })
}

// MoveAbsolute moves to pos mm, clamped to the travel limits, and waits for
// the motion to settle
func (s *Stage) MoveAbsolute(ctx context.Context, pos float64) (float64, error) {
	return s.move(ctx, "move", func(float64) float64 { return pos })
}

func (s *Stage) move(ctx context.Context, kind string, target func(float64) float64) (float64, error) {
	begin := time.Now()
	var stops int64
	var from, to float64
	err := s.do(func(d Driver) error {
		// Stop counts under the same lock, so only a stop issued after the
		// move command reaches this move
		stops = s.stops.Load()
		var err error
		if from, err = d.Position(); err != nil {
			return err
		}
		to = s.cfg.Limits.Clamp(target(from))
		return d.MoveAbs(to)
	})
	if err == ErrNotOpen {
		return 0, &MotionError{Op: kind, Err: err}
	}
	if err == nil {
		s.cfg.Log.WithFields(logrus.Fields{"axis": s.Axis(), "from": from, "target": to}).Info(kind + " started")
		err = s.settle(ctx)
	}
	return s.finish(kind, begin, from, stops, err)
}

// MoveHome seeks the reference edge, waits for the motion to settle, defines
// that position as zero and confirms the final position after HomeSettle
func (s *Stage) MoveHome(ctx context.Context) error {
	begin := time.Now()
	var stops int64
	var from float64
	err := s.do(func(d Driver) error {
		stops = s.stops.Load()
		var err error
		if from, err = d.Position(); err != nil {
			return err
		}
		return d.FindEdge()
	})
	if err == ErrNotOpen {
		return &MotionError{Op: "home", Err: err}
	}
	if err == nil {
		s.cfg.Log.WithFields(logrus.Fields{"axis": s.Axis(), "from": from}).Info("homing started")
		err = s.settle(ctx)
	}
	if err == nil {
		err = s.do(func(d Driver) error { return d.DefineHome() })
	}
	if err == nil {
		err = sleep(ctx, s.cfg.HomeSettle)
	}
	_, err = s.finish("home", begin, from, stops, err)
	return err
}

// Stop aborts any motion immediately.  It may be called while another
// goroutine is waiting for a move to settle; that move returns ErrStopped.
func (s *Stage) Stop() error {
	err := s.do(func(d Driver) error {
		s.stops.Add(1)
		return d.Abort()
	})
	if err != nil {
		return &MotionError{Op: "stop", Err: err}
	}
	s.cfg.Log.WithField("axis", s.Axis()).Warn("motion stopped")
	return nil
}

// Raw passes a native command through to the controller
func (s *Stage) Raw(cmd string) (string, error) {
	var resp string
	err := s.do(func(d Driver) error {
		var err error
		resp, err = d.Raw(cmd)
		return err
	})
	return resp, err
}

// Close releases the transport.  Closing a closed stage is not an error.
func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	err := s.drv.Close()
	s.cfg.Log.Info("stage connection closed")
	return err
}
