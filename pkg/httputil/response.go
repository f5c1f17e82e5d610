package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/warden/pkg/errs"
)

// ErrorResponse is the wire shape of every error
type ErrorResponse struct {
	Error       string            `json:"error"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError renders an error through the taxonomy. Unclassified errors
// become a bare internal error; the cause is never serialized.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errs.HTTPStatus(err), ErrorResponse{
		Error:       string(errs.KindOf(err)),
		Message:     errs.Message(err),
		FieldErrors: errs.Fields(err),
	})
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created)
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
