// Package locker guards a device's routes while something else, such as a
// running sweep, owns the device.  Guarded requests get 423 Locked.
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/pewpewsetup/pewpew/generichttp"
)

// Inject adds GET and POST /lock routes to the table, used to manipulate the locker
func Inject(rt generichttp.RouteTable, l *Locker) {
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a non-blocking flag; while set, Check rejects requests to
// every path not matched by DoNotProtect.  It satisfies sync.Locker.
type Locker struct {
	locked atomic.Bool

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string
}

// New returns an unlocked Locker that leaves /lock and /endpoints reachable
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "endpoints"}}
}

// Lock sets the flag
func (l *Locker) Lock() {
	l.locked.Store(true)
}

// Unlock clears the flag
func (l *Locker) Unlock() {
	l.locked.Store(false)
}

// Locked reports whether the flag is set
func (l *Locker) Locked() bool {
	return l.locked.Load()
}

// Check is middleware replying 423 to protected paths while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protected(r.URL.Path) {
			http.Error(w, "locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Locker) protected(path string) bool {
	for _, str := range l.DoNotProtect {
		if strings.Contains(path, str) {
			return false
		}
	}
	return true
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
