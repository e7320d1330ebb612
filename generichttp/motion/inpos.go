package motion

import (
	"context"
	"go/types"
	"net/http"

	"github.com/pewpewsetup/pewpew/generichttp"
)

// MotionQueryer is a type which can tell if it is moving
type MotionQueryer interface {
	IsMoving(ctx context.Context) (bool, error)
}

// GetMoving returns an http.HandlerFunc for m.IsMoving
func GetMoving(m MotionQueryer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		moving, err := m.IsMoving(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: moving}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPMoving adds the moving route to the route table
func HTTPMoving(iface MotionQueryer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/moving"}] = GetMoving(iface)
}
