// Package motion provides an HTTP interface to a motion stage
package motion

import (
	"github.com/pewpewsetup/pewpew/generichttp"
	"github.com/pewpewsetup/pewpew/generichttp/ascii"
)

// Stage is the full set of capabilities bound by NewHTTPStage
type Stage interface {
	Mover
	Homer
	Stopper
	MotionQueryer
	Limiter
	ascii.RawCommunicator
}

// HTTPStage wraps a stage in an HTTP interface
type HTTPStage struct {
	RouteTable generichttp.RouteTable
}

// NewHTTPStage builds the route table for s
func NewHTTPStage(s Stage) HTTPStage {
	rt := generichttp.RouteTable{}
	HTTPMove(s, rt)
	HTTPHome(s, rt)
	HTTPStop(s, rt)
	HTTPMoving(s, rt)
	HTTPLimits(s, rt)
	ascii.InjectRawComm(rt, s)
	return HTTPStage{RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPStage) RT() generichttp.RouteTable {
	return h.RouteTable
}
