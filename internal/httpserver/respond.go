package httpserver

import (
	"encoding/json"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError writes a JSON error envelope with the given status, error kind,
// and human-readable message.
func RespondError(w http.ResponseWriter, status int, kind, message string) {
	Respond(w, status, ErrorResponse{Error: kind, Message: message})
}
