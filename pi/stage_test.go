package pi_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpewsetup/pewpew/metrics"
	"github.com/pewpewsetup/pewpew/pi"
	"github.com/pewpewsetup/pewpew/util"
)

// fakeDriver moves instantly unless drift is set, in which case every
// position read adds drift
type fakeDriver struct {
	mu       sync.Mutex
	axes     []int
	selected int
	pos      float64
	drift    float64
	calls    []string
	closed   int
}

func (f *fakeDriver) record(c string) {
	f.calls = append(f.calls, c)
}

func (f *fakeDriver) Enumerate(max int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("enumerate")
	return f.axes, nil
}

func (f *fakeDriver) Select(axis int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = axis
	return nil
}

func (f *fakeDriver) Position() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos += f.drift
	return f.pos, nil
}

func (f *fakeDriver) MoveAbs(pos float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("move")
	f.pos = pos
	return nil
}

func (f *fakeDriver) FindEdge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("findedge")
	f.pos = 0.25
	return nil
}

func (f *fakeDriver) DefineHome() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("definehome")
	f.pos = 0
	return nil
}

func (f *fakeDriver) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("abort")
	f.drift = 0
	return nil
}

func (f *fakeDriver) Raw(cmd string) (string, error) { return "echo " + cmd, nil }

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

var model = pi.Models["M1121DG"]

func fastConfig() pi.Config {
	log, _ := test.NewNullLogger()
	return pi.Config{
		Limits:        util.Limiter{Min: 0, Max: 25},
		PollInterval:  time.Millisecond,
		SampleDelay:   time.Millisecond,
		HomeSettle:    time.Millisecond,
		SettleTimeout: time.Second,
		Log:           log,
	}
}

func openStage(t *testing.T, drv pi.Driver, cfg pi.Config) *pi.Stage {
	t.Helper()
	s := pi.New(drv, model, cfg)
	require.NoError(t, s.Open(context.Background()))
	return s
}

func TestOpenNoDeviceFound(t *testing.T) {
	s := pi.New(&fakeDriver{}, model, fastConfig())
	err := s.Open(context.Background())
	assert.ErrorIs(t, err, pi.ErrNoDeviceFound)
	assert.Equal(t, pi.Uninitialized, s.State())
}

func TestOpenSelectsFirstAxis(t *testing.T) {
	drv := &fakeDriver{axes: []int{2, 3}, pos: 4}
	s := openStage(t, drv, fastConfig())
	assert.Equal(t, 2, s.Axis())
	assert.Equal(t, 2, drv.selected)
	assert.Equal(t, pi.Open, s.State())
}

func TestDefaultLimitsFromModel(t *testing.T) {
	s := pi.New(&fakeDriver{}, model, pi.Config{})
	assert.Equal(t, util.Limiter{Min: 0, Max: 25}, s.Limits())
}

func TestMoveBeforeOpen(t *testing.T) {
	s := pi.New(&fakeDriver{axes: []int{1}}, model, fastConfig())
	_, err := s.MoveRelative(context.Background(), 1)
	assert.ErrorIs(t, err, pi.ErrNotOpen)
	var me *pi.MotionError
	assert.True(t, errors.As(err, &me))
}

func TestMoveRelativeIsClamped(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}, pos: 10}
	s := openStage(t, drv, fastConfig())
	ctx := context.Background()
	for _, d := range []float64{5, 20, -30, 0, 12.5, 1e-3, -1e-3, 100} {
		prior, err := s.Position()
		require.NoError(t, err)
		got, err := s.MoveRelative(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, util.Clamp(prior+d, 0, 25), got, "delta %v from %v", d, prior)
		assert.True(t, got >= 0 && got <= 25)
	}
}

func TestMoveAbsoluteIsClamped(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}}
	s := openStage(t, drv, fastConfig())
	got, err := s.MoveAbsolute(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 25.0, got)
}

func TestIsMoving(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}, pos: 3}
	s := openStage(t, drv, fastConfig())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		moving, err := s.IsMoving(ctx)
		require.NoError(t, err)
		assert.False(t, moving, "stationary stage reported moving")
	}

	drv.drift = 0.00005
	moving, err := s.IsMoving(ctx)
	require.NoError(t, err)
	assert.False(t, moving, "change below threshold reported moving")

	drv.drift = 0.001
	moving, err = s.IsMoving(ctx)
	require.NoError(t, err)
	assert.True(t, moving)

	drv.drift = -0.001
	moving, err = s.IsMoving(ctx)
	require.NoError(t, err)
	assert.True(t, moving)
}

func TestSettleTimeout(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}, pos: 1, drift: 0.01}
	cfg := fastConfig()
	cfg.SettleTimeout = 30 * time.Millisecond
	s := openStage(t, drv, cfg)

	begin := time.Now()
	_, err := s.MoveRelative(context.Background(), 1)
	assert.ErrorIs(t, err, pi.ErrMotionTimeout)
	var me *pi.MotionError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "move", me.Op)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestMoveCancelled(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}, pos: 1, drift: 0.01}
	s := openStage(t, drv, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.MoveRelative(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallerDeadlineIsNotMotionTimeout(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}, pos: 1, drift: 0.01}
	cfg := fastConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SettleTimeout = time.Minute
	s := openStage(t, drv, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.MoveRelative(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, pi.ErrMotionTimeout)
	var me *pi.MotionError
	assert.True(t, errors.As(err, &me))
}

// gatedDriver blocks the first call named by gate until release is closed
type gatedDriver struct {
	*fakeDriver
	gate    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGated(drv *fakeDriver, gate string) *gatedDriver {
	return &gatedDriver{fakeDriver: drv, gate: gate, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDriver) wait(call string) {
	if call == g.gate {
		g.once.Do(func() {
			g.entered <- struct{}{}
			<-g.release
		})
	}
}

func (g *gatedDriver) MoveAbs(pos float64) error {
	g.wait("move")
	return g.fakeDriver.MoveAbs(pos)
}

func (g *gatedDriver) Abort() error {
	g.wait("abort")
	return g.fakeDriver.Abort()
}

func TestStopBeforeMoveCommandDoesNotStopMove(t *testing.T) {
	drv := newGated(&fakeDriver{axes: []int{1}, pos: 1}, "abort")
	s := openStage(t, drv, fastConfig())

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	<-drv.entered

	moved := make(chan error, 1)
	go func() {
		_, err := s.MoveAbsolute(context.Background(), 5)
		moved <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(drv.release)

	require.NoError(t, <-stopped)
	assert.NoError(t, <-moved)
}

func TestStopAfterMoveCommandStopsMove(t *testing.T) {
	drv := newGated(&fakeDriver{axes: []int{1}, pos: 1, drift: 0.01}, "move")
	s := openStage(t, drv, fastConfig())

	moved := make(chan error, 1)
	go func() {
		_, err := s.MoveAbsolute(context.Background(), 5)
		moved <- err
	}()
	<-drv.entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	time.Sleep(10 * time.Millisecond)
	close(drv.release)

	assert.ErrorIs(t, <-moved, pi.ErrStopped)
	require.NoError(t, <-stopped)
}

func TestMoveHomeSequence(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}, pos: 7}
	s := openStage(t, drv, fastConfig())
	require.NoError(t, s.MoveHome(context.Background()))
	assert.Equal(t, []string{"enumerate", "findedge", "definehome"}, drv.calls)
	pos, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, 0.0, pos)
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	mock := pi.NewMock()
	mock.Velocity = 1
	cfg := fastConfig()
	cfg.SampleDelay = 2 * time.Millisecond
	cfg.SettleTimeout = 10 * time.Second
	s := openStage(t, mock, cfg)

	done := make(chan error, 1)
	var final float64
	go func() {
		var err error
		final, err = s.MoveAbsolute(context.Background(), 22.5)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, pi.ErrStopped)
		assert.Less(t, final, 22.5)
		assert.Greater(t, final, 12.5)
	case <-time.After(5 * time.Second):
		t.Fatal("move did not return after Stop")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	drv := &fakeDriver{axes: []int{1}}
	s := openStage(t, drv, fastConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, drv.closed)
	assert.Equal(t, pi.Closed, s.State())
	_, err := s.MoveRelative(context.Background(), 1)
	assert.ErrorIs(t, err, pi.ErrNotOpen)
}

func TestMoveLogsAndRecords(t *testing.T) {
	log, hook := test.NewNullLogger()
	cfg := fastConfig()
	cfg.Log = log
	cfg.Metrics = metrics.New(prometheus.NewRegistry())
	drv := &fakeDriver{axes: []int{1}, pos: 2}
	s := openStage(t, drv, cfg)

	_, err := s.MoveRelative(context.Background(), 3)
	require.NoError(t, err)
	entry := hook.LastEntry()
	assert.Equal(t, "move complete", entry.Message)
	assert.Equal(t, 2.0, entry.Data["from"])
	assert.Equal(t, 5.0, entry.Data["to"])
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Moves.WithLabelValues("move", "ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(cfg.Metrics.Position))
}

func TestLookupModel(t *testing.T) {
	m, err := pi.LookupModel("M-112.1DG")
	require.NoError(t, err)
	assert.Equal(t, 25.0, m.Travel)
	_, err = pi.LookupModel("M-999")
	assert.Error(t, err)
}

func TestRawPassthrough(t *testing.T) {
	s := openStage(t, &fakeDriver{axes: []int{1}}, fastConfig())
	resp, err := s.Raw("TS")
	require.NoError(t, err)
	assert.Equal(t, "echo TS", resp)
}
