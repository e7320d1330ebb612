package motion

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/pewpewsetup/pewpew/generichttp"
)

// Mover describes a single axis with position-related methods
type Mover interface {
	// Position gets the current position in mm
	Position() (float64, error)

	// MoveAbsolute moves to pos and returns the settled position
	MoveAbsolute(ctx context.Context, pos float64) (float64, error)

	// MoveRelative moves by delta and returns the settled position
	MoveRelative(ctx context.Context, delta float64) (float64, error)
}

// Homer can seek its reference
type Homer interface {
	MoveHome(ctx context.Context) error
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/pos"}] = generichttp.GetFloat(iface.Position)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/pos"}] = SetPos(iface)
}

// HTTPHome adds the home route to the route table
func HTTPHome(iface Homer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/home"}] = Home(iface)
}

func popRelative(r *http.Request) (bool, error) {
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	return strconv.ParseBool(relative)
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute or
// relative move based on the relative query parameter.  The reply holds the
// settled position, which may differ from the request when it was clamped.
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var pos float64
		if rel {
			pos, err = m.MoveRelative(r.Context(), f.F64)
		} else {
			pos, err = m.MoveAbsolute(r.Context(), f.F64)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

// Home returns an HTTP handler func that homes the stage
func Home(h Homer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.MoveHome(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
