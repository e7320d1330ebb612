// Package keysight provides access to Infiniium oscilloscopes in Go.
//
// A Scope walks through Idle -> Configuring -> Triggered -> Digitized for
// each single shot acquisition.  The waveform preamble and data are only
// served in Digitized, since any configuration command invalidates them.
package keysight

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pewpewsetup/pewpew/scpi"
	"github.com/pewpewsetup/pewpew/visa"
)

// State is the acquisition state of a Scope
type State int

const (
	// Idle means no acquisition is in progress
	Idle State = iota

	// Configuring means settings are being or have been applied
	Configuring

	// Triggered means the scope is armed and :DIGitize is being issued
	Triggered

	// Digitized means a single shot acquisition completed and the waveform
	// record is ready to transfer
	Digitized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Triggered:
		return "Triggered"
	case Digitized:
		return "Digitized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotDigitized is generated when the preamble or waveform is requested
	// before a single acquisition has completed
	ErrNotDigitized = errors.New("no digitized acquisition, call SingleAcquisition first")

	// ErrInvalidState is generated for a transition the state machine does not allow
	ErrInvalidState = errors.New("invalid acquisition state transition")
)

// legal lists the states reachable from each state.  Any state may fall back
// to Idle when an acquisition fails.
var legal = map[State][]State{
	Idle:        {Configuring},
	Configuring: {Configuring, Triggered},
	Triggered:   {Digitized},
	Digitized:   {Configuring},
}

// DefaultTimeout is the I/O timeout used when Open is given zero
const DefaultTimeout = 20 * time.Second

// Scope is an interface to a keysight Infiniium oscilloscope
//
// The embedded session's Log receives write-then-verify readbacks and
// acquisition progress; its Metrics, which may be nil, count acquisitions.
type Scope struct {
	*scpi.Session

	mu     sync.Mutex
	state  State
	closed bool
}

// New wraps an already open transport
func New(t scpi.Transport, log logrus.FieldLogger) *Scope {
	return &Scope{Session: scpi.NewSession(t, log)}
}

// Open connects to the scope at a VISA style resource address, sets the
// I/O timeout and clears any pending instrument state
func Open(addr string, timeout time.Duration, log logrus.FieldLogger) (*Scope, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	t, err := visa.Open(addr, timeout)
	if err != nil {
		return nil, err
	}
	s := New(t, log)
	if err = s.Clear(); err != nil {
		t.Close()
		return nil, err
	}
	s.Log.WithField("addr", addr).Info("connection to oscilloscope established")
	return s, nil
}

// State returns the current acquisition state
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the state machine to next
func (s *Scope) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == Idle {
		s.state = Idle
		return nil
	}
	for _, ok := range legal[s.state] {
		if ok == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidState, s.state, next)
}

// requireDigitized returns ErrNotDigitized outside of the Digitized state
func (s *Scope) requireDigitized() error {
	if s.State() != Digitized {
		return ErrNotDigitized
	}
	return nil
}

// Initialize clears the status registers, logs the identity of the
// instrument and resets it to its default settings
func (s *Scope) Initialize() error {
	if err := s.SendCommand("*CLS"); err != nil {
		return err
	}
	idn, err := s.QueryString("*IDN?")
	if err != nil {
		return err
	}
	s.Log.WithField("idn", idn).Info("oscilloscope identified")
	if err = s.SendCommand("*RST"); err != nil {
		return err
	}
	return s.transition(Idle)
}

// Close releases the connection to the scope.  Closing twice is not an error.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = Idle
	s.mu.Unlock()
	return s.Session.Close()
}

// Raw passes str through to the instrument.  Anything but a query may change
// the configuration, so it discards the last acquisition first.
func (s *Scope) Raw(str string) (string, error) {
	if !strings.Contains(str, "?") {
		s.transition(Idle)
	}
	return s.Session.Raw(str)
}

// ChannelName expands a bare channel number to its SCPI mnemonic, 1 -> CHANnel1.
// Other names are passed through.
func ChannelName(ch string) string {
	ch = strings.TrimSpace(ch)
	if ch == "" {
		return "CHANnel1"
	}
	if strings.Trim(ch, "0123456789") == "" {
		return "CHANnel" + ch
	}
	return ch
}
