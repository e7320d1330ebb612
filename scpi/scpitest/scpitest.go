// Package scpitest provides a scripted, in-memory SCPI instrument for tests
package scpitest

import (
	"errors"
	"strings"
	"sync"
)

const (
	errorQuery = ":SYSTem:ERRor? STRing"
	noError    = `+0,"No error"`
)

// ErrClosed is returned by every call after Close
var ErrClosed = errors.New("scpitest: instrument closed")

// Instrument is a scpi.Transport that remembers every setting written to it
// and answers "<header>?" with the last value written for <header>.
// Canned answers in Responses take precedence.
type Instrument struct {
	mu sync.Mutex

	// Responses holds canned answers keyed by the full query text.  When
	// more than one is given they are served in order and the last repeats.
	Responses map[string][]string

	// Errors is the instrument error queue, served before the "no error" entry
	Errors []string

	// ErrorsAfter queues the given entries when a message with that header is
	// received
	ErrorsAfter map[string][]string

	// Log records every message received, error queries included
	Log []string

	// ErrorQueries counts reads of the error queue
	ErrorQueries int

	// Closed counts calls to Close
	Closed int

	settings map[string]string
}

// New returns an empty instrument
func New() *Instrument {
	return &Instrument{
		Responses:   map[string][]string{},
		ErrorsAfter: map[string][]string{},
		settings:    map[string]string{},
	}
}

// Set primes the value returned for "<header>?"
func (in *Instrument) Set(header, value string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.settings[header] = value
}

// Setting returns the last value written for header
func (in *Instrument) Setting(header string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.settings[header]
	return v, ok
}

// Commands returns the logged messages other than error queue reads
func (in *Instrument) Commands() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []string
	for _, l := range in.Log {
		if l != errorQuery {
			out = append(out, l)
		}
	}
	return out
}

func header(msg string) (string, string) {
	pieces := strings.SplitN(msg, " ", 2)
	if len(pieces) == 1 {
		return pieces[0], ""
	}
	return pieces[0], pieces[1]
}

func (in *Instrument) queueErrors(h string) {
	if errs, ok := in.ErrorsAfter[h]; ok {
		in.Errors = append(in.Errors, errs...)
	}
}

// Write records a command and stores its argument as the setting for its header
func (in *Instrument) Write(msg []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.Closed > 0 {
		return ErrClosed
	}
	s := string(msg)
	in.Log = append(in.Log, s)
	h, arg := header(s)
	in.settings[h] = arg
	in.queueErrors(h)
	return nil
}

// Query answers error queue reads from Errors, other queries from Responses
// or the stored settings
func (in *Instrument) Query(msg []byte) ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.Closed > 0 {
		return nil, ErrClosed
	}
	s := string(msg)
	in.Log = append(in.Log, s)
	if s == errorQuery {
		in.ErrorQueries++
		if len(in.Errors) == 0 {
			return []byte(noError), nil
		}
		e := in.Errors[0]
		in.Errors = in.Errors[1:]
		return []byte(e), nil
	}
	h, _ := header(s)
	in.queueErrors(h)
	if canned, ok := in.Responses[s]; ok && len(canned) > 0 {
		resp := canned[0]
		if len(canned) > 1 {
			in.Responses[s] = canned[1:]
		}
		return []byte(resp), nil
	}
	if v, ok := in.settings[strings.TrimSuffix(h, "?")]; ok {
		return []byte(v), nil
	}
	return []byte(""), nil
}

// Close marks the instrument closed
func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.Closed++
	return nil
}
