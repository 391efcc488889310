package controllerapi

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/hyac/pkg/envelope"
	"github.com/cuemby/hyac/pkg/errors"
)

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody JSON-decodes the request body into dst, surfacing a bad body
// as a validation error so callers get a uniform 400 envelope.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Validation("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	envelope.Error(w, err, s.devMode)
}

func (s *Server) writeOK(w http.ResponseWriter, data any) {
	envelope.OK(w, data)
}
