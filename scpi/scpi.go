// Package scpi provides primitives for working with devices that
// have SCPI interfaces.
//
// Every exchange is followed by draining the instrument's error queue until
// the "no error" entry, so an error is always attributed to the command that
// caused it and never leaks into the diagnosis of the next one.
package scpi

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pewpewsetup/pewpew/comm"
	"github.com/pewpewsetup/pewpew/metrics"
)

const (
	// ErrorQuery pops a single entry off the error queue as <code>,"<message>"
	ErrorQuery = ":SYSTem:ERRor? STRing"

	// MaxDrain bounds the number of entries read while draining the error
	// queue.  Infiniium queues hold 30.
	MaxDrain = 100
)

// Transport is a message based link to an instrument.  Write sends one
// program message; Query sends one and returns the complete response
// with the terminator stripped.  Block responses keep their #<n><len> header.
type Transport interface {
	Write(msg []byte) error
	Query(msg []byte) ([]byte, error)
	Close() error
}

// Clearer is implemented by transports that can issue a device clear,
// e.g. USBTMC INITIATE_CLEAR
type Clearer interface {
	Clear() error
}

// ErrQueueNotDrained is generated when the error queue yields more than
// MaxDrain entries without reaching the "no error" entry
var ErrQueueNotDrained = errors.New("error queue did not drain")

// InstrumentError is a single non-zero entry from the instrument's error queue
type InstrumentError struct {
	// Code is the SCPI error number, e.g. -113
	Code int

	// Message is the instrument's description of the error
	Message string

	// Command is the command or query after which the error was drained
	Command string
}

func (e InstrumentError) Error() string {
	return fmt.Sprintf("instrument error %d %q after %q", e.Code, e.Message, e.Command)
}

// InstrumentErrors is every entry drained after one command, in queue order
type InstrumentErrors []InstrumentError

func (e InstrumentErrors) Error() string {
	strs := make([]string, len(e))
	for i := 0; i < len(e); i++ {
		strs[i] = e[i].Error()
	}
	return strings.Join(strs, "; ")
}

// Unwrap exposes the individual entries to errors.Is and errors.As
func (e InstrumentErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i := range e {
		out[i] = e[i]
	}
	return out
}

// ParseError is generated when a response from the instrument cannot be
// interpreted
type ParseError struct {
	// Input is the offending response
	Input string

	// Reason describes what was wrong with it
	Reason string
}

func (e *ParseError) Error() string {
	in := e.Input
	if len(in) > 64 {
		in = in[:64] + "..."
	}
	return fmt.Sprintf("cannot parse %q: %s", in, e.Reason)
}

// Session is a type for encapsulating error-checked SCPI communication.
// It is safe for concurrent use; each command and its error drain are atomic.
type Session struct {
	Transport Transport

	// Log receives every drained error entry
	Log logrus.FieldLogger

	// Metrics counts drained error entries, may be nil
	Metrics *metrics.Collectors

	mu sync.Mutex
}

// NewSession wraps a transport.  A nil logger means the logrus standard logger.
func NewSession(t Transport, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{Transport: t, Log: log}
}

// SendCommand writes a command, then drains the error queue
func (s *Session) SendCommand(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Transport.Write([]byte(cmd)); err != nil {
		return errors.Wrapf(err, "writing %q", cmd)
	}
	return s.drain(cmd)
}

// SendBinaryCommand writes a command followed by payload framed as a definite
// length block, then drains the error queue
func (s *Session) SendBinaryCommand(cmd string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := append([]byte(cmd+" "), comm.EncodeBlock(payload)...)
	if err := s.Transport.Write(msg); err != nil {
		return errors.Wrapf(err, "writing %q with %d byte block", cmd, len(payload))
	}
	return s.drain(cmd)
}

// query issues q and drains the error queue, returning the raw response
func (s *Session) query(q string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.Transport.Query([]byte(q))
	if err != nil {
		return nil, errors.Wrapf(err, "querying %q", q)
	}
	if err := s.drain(q); err != nil {
		return nil, err
	}
	return resp, nil
}

// QueryString issues a query and returns the response as a string with
// surrounding whitespace removed
func (s *Session) QueryString(q string) (string, error) {
	resp, err := s.query(q)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// QueryNumber issues a query and parses the response as a floating point value
func (s *Session) QueryNumber(q string) (float64, error) {
	str, err := s.QueryString(q)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, &ParseError{Input: str, Reason: "response to " + q + " is not a number"}
	}
	return f, nil
}

// QueryBinaryBlock issues a query whose response is a definite length block
// and returns the payload
func (s *Session) QueryBinaryBlock(q string) ([]byte, error) {
	resp, err := s.query(q)
	if err != nil {
		return nil, err
	}
	data, err := comm.DecodeBlock(resp)
	if err != nil {
		return nil, &ParseError{Input: string(resp), Reason: err.Error()}
	}
	return data, nil
}

// Raw sends a command to the instrument and returns a response if it was a
// query, else a blank string
func (s *Session) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		return s.QueryString(str)
	}
	return "", s.SendCommand(str)
}

// Clear aborts pending operations with a device clear when the transport
// supports one, then empties the status registers and error queue with *CLS
func (s *Session) Clear() error {
	if c, ok := s.Transport.(Clearer); ok {
		s.mu.Lock()
		err := c.Clear()
		s.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, "device clear")
		}
	}
	return s.SendCommand("*CLS")
}

// Close releases the transport
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Transport.Close()
}

// drain pops the error queue until the "no error" entry.  Every other entry
// is logged and collected.  The caller holds s.mu.
func (s *Session) drain(cmd string) error {
	var errs InstrumentErrors
	for i := 0; i < MaxDrain; i++ {
		resp, err := s.Transport.Query([]byte(ErrorQuery))
		if err != nil {
			return errors.Wrapf(err, "checking errors after %q", cmd)
		}
		code, msg, err := ParseErrorEntry(string(resp))
		if err != nil {
			return err
		}
		if code == 0 {
			if len(errs) == 0 {
				return nil
			}
			return errs
		}
		ie := InstrumentError{Code: code, Message: msg, Command: cmd}
		s.Log.WithFields(logrus.Fields{
			"code":    code,
			"msg":     msg,
			"command": cmd,
		}).Warn("instrument reported an error")
		s.Metrics.InstrumentError(code)
		errs = append(errs, ie)
	}
	return errors.Wrapf(ErrQueueNotDrained, "after %d entries following %q", MaxDrain, cmd)
}

// ParseErrorEntry splits an error queue entry such as
// -113,"Undefined header" into its code and message
func ParseErrorEntry(s string) (int, string, error) {
	s = strings.TrimSpace(s)
	pieces := strings.SplitN(s, ",", 2)
	code, err := strconv.Atoi(strings.TrimPrefix(pieces[0], "+"))
	if err != nil {
		return 0, "", &ParseError{Input: s, Reason: "error queue entry has no numeric code"}
	}
	var msg string
	if len(pieces) == 2 {
		msg = strings.Trim(strings.TrimSpace(pieces[1]), `"`)
	}
	return code, msg, nil
}
