package motion

import (
	"net/http"

	"github.com/pewpewsetup/pewpew/generichttp"
)

// Stopper describes an interface with an immediate abort
type Stopper interface {
	// Stop aborts motion
	Stop() error
}

// HTTPStop adds the stop route to the route table
func HTTPStop(iface Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Do(iface.Stop)
}
