// Package httpapi holds the small JSON request/response helpers
// shared by the Portal and Admin API handlers, following the plain
// net/http + ServeMux style the rest of this gateway's HTTP surface
// uses rather than pulling in a router framework.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/coinwifi/gateway/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteErr maps err through its Kind (defaulting to 500 for untagged
// errors) and writes the resulting JSON error body.
func WriteErr(w http.ResponseWriter, err error) {
	kind, ok := errors.GetKind(err)
	status := http.StatusInternalServerError
	if ok {
		status = kind.HTTPStatus()
	}
	WriteError(w, status, err.Error())
}

// ReadJSON decodes a JSON request body, writing a 400 response itself
// on failure so callers can just return.
func ReadJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// RequireMethod writes a 405 and returns false if r.Method doesn't match.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}
