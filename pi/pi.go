// Package pi provides a Go interface to PI Mercury translation stages.
//
// A Stage owns one axis of a Mercury network.  Motion commands are bounded
// by software limits and completion is detected by sampling the position,
// since the controller is not asked for a motion-done flag.
package pi

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoDeviceFound is generated when network enumeration finds no axes
	ErrNoDeviceFound = errors.New("no PI device found on the network")

	// ErrNotOpen is generated when a stage is used before Open or after Close
	ErrNotOpen = errors.New("stage is not open")

	// ErrMotionTimeout is generated when the stage does not settle within
	// the settle timeout
	ErrMotionTimeout = errors.New("motion did not settle before the deadline")

	// ErrStopped is generated when Stop interrupts a motion in progress
	ErrStopped = errors.New("motion stopped")
)

// MotionError is generated when a move or homing sequence fails
type MotionError struct {
	// Op is the operation, e.g. "move" or "home"
	Op string

	// Position is the last known position in mm
	Position float64

	Err error
}

func (e *MotionError) Error() string {
	return fmt.Sprintf("%s failed at %.6f mm: %v", e.Op, e.Position, e.Err)
}

// Unwrap returns the cause
func (e *MotionError) Unwrap() error {
	return e.Err
}

// StageModel describes the mechanics of a stage
type StageModel struct {
	// Name is PI's model number without punctuation, e.g. M1121DG
	Name string

	// CountsPerMM converts encoder counts to millimeters
	CountsPerMM float64

	// Travel is the range of motion in mm
	Travel float64
}

// Models are the known stages, by name
var Models = map[string]StageModel{
	// M-112.1DG, 0.0069 um design resolution
	"M1121DG": {Name: "M1121DG", CountsPerMM: 1 / 6.9e-6, Travel: 25},
}

// LookupModel finds a stage model, ignoring case and the punctuation of
// PI's catalog numbers, so M-112.1DG and m1121dg are the same
func LookupModel(name string) (StageModel, error) {
	key := strings.ToUpper(strings.NewReplacer("-", "", ".", "", " ", "").Replace(name))
	if m, ok := Models[key]; ok {
		return m, nil
	}
	known := make([]string, 0, len(Models))
	for k := range Models {
		known = append(known, k)
	}
	sort.Strings(known)
	return StageModel{}, fmt.Errorf("unknown stage model %q, known models are %v", name, known)
}

// Driver is the byte protocol to a network of Mercury controllers.
// Axes are numbered from 1.  Commands other than Enumerate and Select
// apply to the selected axis.
type Driver interface {
	// Enumerate probes axes 1..max and returns those that respond
	Enumerate(max int) ([]int, error)

	// Select makes an axis the target of subsequent commands
	Select(axis int) error

	// Position returns the position of the axis in mm
	Position() (float64, error)

	// MoveAbs starts a motion to an absolute position in mm
	MoveAbs(pos float64) error

	// FindEdge starts a search for the reference edge
	FindEdge() error

	// DefineHome declares the current position to be zero
	DefineHome() error

	// Abort stops motion on every enumerated axis
	Abort() error

	// Raw sends a native command and returns the reply
	Raw(cmd string) (string, error)

	Close() error
}
