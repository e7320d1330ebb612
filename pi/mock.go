package pi

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrNotImplemented is returned by Mock for raw commands
var ErrNotImplemented = errors.New("not implemented")

// Mock is a simulated Mercury network.  Motion proceeds at Velocity from the
// moment it is commanded, computed from wall time rather than a servo loop.
type Mock struct {
	sync.Mutex

	// Axes is the number of axes that answer enumeration
	Axes int

	// Velocity is the speed of every motion in mm/s
	Velocity float64

	// Edge is the position of the reference edge in mm
	Edge float64

	// Now is the clock, time.Now when nil
	Now func() time.Time

	axis   int
	from   float64
	to     float64
	start  time.Time
	offset float64
	closed bool
}

// NewMock returns a single axis mock moving at 5 mm/s from 12.5 mm
func NewMock() *Mock {
	return &Mock{Axes: 1, Velocity: 5, from: 12.5, to: 12.5}
}

func (m *Mock) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// raw is the position in controller coordinates, caller holds the lock
func (m *Mock) raw() float64 {
	dist := m.to - m.from
	travelled := m.Velocity * m.now().Sub(m.start).Seconds()
	if travelled >= math.Abs(dist) {
		return m.to
	}
	return m.from + math.Copysign(travelled, dist)
}

func (m *Mock) startMove(to float64) {
	m.from = m.raw()
	m.to = to
	m.start = m.now()
}

// Enumerate returns 1..Axes, capped at max
func (m *Mock) Enumerate(max int) ([]int, error) {
	m.Lock()
	defer m.Unlock()
	var out []int
	for a := 1; a <= m.Axes && a <= max; a++ {
		out = append(out, a)
	}
	return out, nil
}

// Select makes axis the target of subsequent commands
func (m *Mock) Select(axis int) error {
	m.Lock()
	defer m.Unlock()
	if axis < 1 || axis > m.Axes {
		return ErrNoAxis
	}
	m.axis = axis
	return nil
}

// Position returns the simulated position
func (m *Mock) Position() (float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.axis == 0 {
		return 0, ErrNoAxis
	}
	return m.raw() - m.offset, nil
}

// MoveAbs starts a simulated motion
func (m *Mock) MoveAbs(pos float64) error {
	m.Lock()
	defer m.Unlock()
	if m.axis == 0 {
		return ErrNoAxis
	}
	m.startMove(pos + m.offset)
	return nil
}

// FindEdge starts a motion to the reference edge
func (m *Mock) FindEdge() error {
	m.Lock()
	defer m.Unlock()
	m.startMove(m.Edge)
	return nil
}

// DefineHome zeros the current position
func (m *Mock) DefineHome() error {
	m.Lock()
	defer m.Unlock()
	m.offset = m.raw()
	return nil
}

// Abort freezes the simulated motion where it is
func (m *Mock) Abort() error {
	m.Lock()
	defer m.Unlock()
	m.startMove(m.raw())
	return nil
}

// Raw is not implemented
func (m *Mock) Raw(string) (string, error) {
	return "", ErrNotImplemented
}

// Close marks the mock closed
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
