package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/bigmem/internal/catalog"
	"github.com/kalambet/bigmem/internal/syncer"
	"github.com/kalambet/bigmem/internal/sysattr"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeSyncError maps syncer errors onto HTTP statuses.
func writeSyncError(w http.ResponseWriter, err error) {
	var ioErr *sysattr.IOError
	switch {
	case errors.Is(err, catalog.ErrUnknownSetting):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, syncer.ErrUnsupported):
		httpError(w, http.StatusUnprocessableEntity, "unsupported", "%v", err)
	case errors.Is(err, syncer.ErrInvalidValue):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &ioErr):
		httpError(w, http.StatusInternalServerError, "io_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
