package middleware

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope matches the API's { "data": ..., "error": ... } wrapper so
// middleware rejections look like handler errors to clients.
type errorEnvelope struct {
	Data  any    `json:"data"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
