package chi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/httplog/v2"

	"github.com/marcelsud/roster-hooks/webhook"
)

// errorResponse is the body of every error answer
type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{
		StatusCode: status,
		Message:    message,
		Error:      http.StatusText(status),
	})
}

// writeServiceError maps domain errors to status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *webhook.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, verr.Error())
	case errors.Is(err, webhook.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhook.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, webhook.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict")
	default:
		httplog.LogEntry(r.Context()).Error("request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
