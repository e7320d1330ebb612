// Package ascii contains an injectable HTTP interface to hardware that
// speaks a text protocol
package ascii

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/pewpewsetup/pewpew/generichttp"
)

// RawCommunicator has a single Raw method
type RawCommunicator interface {
	Raw(string) (string, error)
}

// RawWrapper is a wrapper around a raw communicator
type RawWrapper struct {
	Comm RawCommunicator
}

// HTTPRaw sends {"str": cmd} verbatim and replies with {"str": response}
func (rw RawWrapper) HTTPRaw(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := rw.Comm.Raw(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: resp}
	hp.EncodeAndRespond(w, r)
}

// InjectRawComm adds a POST /raw route to the table
func InjectRawComm(rt generichttp.RouteTable, raw RawCommunicator) {
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = RawWrapper{Comm: raw}.HTTPRaw
}
