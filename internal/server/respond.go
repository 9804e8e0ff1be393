package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// errorDetail is the error response body shared by every route.
type errorDetail struct {
	Detail string `json:"detail"`
}

// statusResponse is the `{"status": "..."}` body used by acknowledgement
// responses (health, clear, deletions).
type statusResponse struct {
	Status string `json:"status"`
}

// successResponse is the `{"success": true}` body used by agent and
// conversation mutations. Warning carries the non-fatal save warning, null
// when there is none.
type successResponse struct {
	Success bool    `json:"success"`
	Warning *string `json:"warning,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorDetail{Detail: fmt.Sprintf(format, args...)})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
