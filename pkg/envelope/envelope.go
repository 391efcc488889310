// Package envelope implements the controller API's uniform JSON response
// shape: {code, msg, data}, where code == 0 means success.
package envelope

import (
	"encoding/json"
	"net/http"

	hyacerrors "github.com/cuemby/hyac/pkg/errors"
)

// Envelope is the controller API's uniform response body.
type Envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// kindStatus maps a domain error kind to both an envelope code and an HTTP
// status, so every handler produces the same shape for the same failure.
var kindStatus = map[hyacerrors.Kind]struct {
	code   int
	status int
}{
	hyacerrors.KindValidation: {code: 1001, status: http.StatusBadRequest},
	hyacerrors.KindNotFound:   {code: 1004, status: http.StatusNotFound},
	hyacerrors.KindConflict:   {code: 1009, status: http.StatusConflict},
	hyacerrors.KindUpstream:   {code: 1050, status: http.StatusBadGateway},
	hyacerrors.KindFatal:      {code: 1500, status: http.StatusInternalServerError},
}

// OK writes a success envelope.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, Envelope{Code: 0, Msg: "ok", Data: data})
}

// Error writes an error envelope derived from err's domain Kind, never
// leaking the raw error text for fatal/upstream kinds unless devMode is set.
func Error(w http.ResponseWriter, err error, devMode bool) {
	kind := hyacerrors.KindOf(err)
	mapped, ok := kindStatus[kind]
	if !ok {
		mapped = kindStatus[hyacerrors.KindFatal]
	}

	msg := err.Error()
	if !devMode && (kind == hyacerrors.KindFatal || kind == hyacerrors.KindUpstream) {
		msg = "internal error"
	}

	write(w, mapped.status, Envelope{Code: mapped.code, Msg: msg})
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
