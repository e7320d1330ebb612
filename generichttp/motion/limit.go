package motion

import (
	"net/http"

	"github.com/pewpewsetup/pewpew/generichttp"
	"github.com/pewpewsetup/pewpew/util"
)

// Limiter reports the software travel limits of a stage
type Limiter interface {
	Limits() util.Limiter
}

// HTTPLimits adds the limits route to the route table
func HTTPLimits(iface Limiter, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/limits"}] = Limits(iface)
}

// Limits returns an HTTP handler func that replies with {"min": x, "max": y}
func Limits(l Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generichttp.ReplyJSON(w, l.Limits())
	}
}
