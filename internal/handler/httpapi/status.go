// Package httpapi routes the chi-served HTTP surface: backup slot
// upload/download, key custody upsert/bundle endpoints, the WebSocket
// gateway mount, and the admin health/stats mux on its own port.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/obscura-chat/obscura-server/internal/apperror"
)

// statusFromError maps the module's one error shape onto HTTP statuses.
func statusFromError(err error) int {
	var e *apperror.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case apperror.KindAuth:
		return http.StatusUnauthorized
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindBadRequest:
		return http.StatusBadRequest
	case apperror.KindConflict:
		return http.StatusConflict
	case apperror.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case apperror.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperror.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	msg := "internal error"
	var e *apperror.Error
	if errors.As(err, &e) && status < http.StatusInternalServerError {
		msg = e.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
