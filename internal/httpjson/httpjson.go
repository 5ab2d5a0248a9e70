// Package httpjson holds the JSON response helpers shared by REST handlers.
package httpjson

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/filebox/filebox/backend-go/internal/apperr"
)

func Write(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func Message(w http.ResponseWriter, status int, msg string) {
	Write(w, status, map[string]string{"error": msg})
}

// Error maps err to a status code. Backend failures are logged and hidden
// behind a generic message; caller errors are echoed back.
func Error(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if !apperr.IsClientError(err) {
		slog.Error("request failed", "error", err)
		Write(w, status, map[string]string{"error": "internal error", "kind": string(apperr.KindOf(err))})
		return
	}
	Write(w, status, map[string]string{"error": err.Error(), "kind": string(apperr.KindOf(err))})
}

func Decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("decode", "invalid request body")
	}
	return nil
}
