package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeSuccess writes spec.md §6's literal `Success "<value>"` body, the
// plain-text contract /send returns instead of JSON on success.
func writeSuccess(w http.ResponseWriter, value string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Success \"%s\"", value)
}

// writeError writes spec.md §6's literal `Error "<text>"` body at the given
// status code.
func writeError(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "Error \"%s\"", text)
}

// writeJSON is used by the JSON-responding endpoints (/rate, /balance,
// admin CRUD), matching the teacher's response.go WriteJSON helper.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// errorResponse mirrors the teacher's ErrorResponse shape for the admin
// JSON surface.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
