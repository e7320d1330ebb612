// Package generichttp contains the building blocks used to expose hardware
// over HTTP: a route table bound onto a chi router, and small JSON payloads
// for scalar values.
package generichttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a chi route pattern
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method/path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns "METHOD /path" for every route, sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Slice(routes, func(i, j int) bool {
		pi, pj := strings.SplitN(routes[i], " ", 2)[1], strings.SplitN(routes[j], " ", 2)[1]
		if pi == pj {
			return routes[i] < routes[j]
		}
		return pi < pj
	})
	return routes
}

// Bind registers every route on r, plus GET /endpoints listing them
func (rt RouteTable) Bind(r chi.Router) {
	for mp, f := range rt {
		r.MethodFunc(mp.Method, mp.Path, f)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		ReplyJSON(w, rt.Endpoints())
	})
}

// HTTPer is anything with a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts "stage" or "/stage/*" to "/stage"
func SubMuxSanitize(s string) string {
	s = strings.TrimSuffix(s, "*")
	s = strings.Trim(s, "/")
	return "/" + s
}

// HumanPayload is a JSON response holding one scalar, tagged by T
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload as {"f64": x}, {"int": x}, {"str": x}
// or {"bool": x}
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, "unsupported payload type", http.StatusInternalServerError)
		return
	}
	ReplyJSON(w, v)
}

// ReplyJSON encodes v as the body of a 200 response
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FloatT is {"f64": x}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is {"int": x}
type IntT struct {
	Int int `json:"int"`
}

// StrT is {"str": x}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is {"bool": x}
type BoolT struct {
	Bool bool `json:"bool"`
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(s.Str)
		if err != nil {
			http.Error(w, err.Error(), StatusFor(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Do calls fcn and responds 200 or 500
func Do(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ErrBadFileName is generated when a client names a file with a path rather
// than a bare name
var ErrBadFileName = errors.New("file name must be a bare name")

// ResolveName joins a file name received from a client to dir.  Empty names,
// names holding a separator and names containing ".." are rejected, so the
// result never leaves dir.
func ResolveName(dir, name string) (string, error) {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return filepath.Join(dir, name), nil
}

// StatusFor is 400 for a rejected file name and 500 otherwise
func StatusFor(err error) int {
	if errors.Is(err, ErrBadFileName) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
