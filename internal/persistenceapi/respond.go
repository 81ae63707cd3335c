package persistenceapi

import (
	"encoding/json"
	"net/http"

	"github.com/lumi-chat/gateway/internal/store"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeStoreError maps the narrow store sentinel errors onto HTTP status
// codes, the way the teacher's REST handlers translate store errors at
// the API boundary rather than leaking internal error types.
func writeStoreError(w http.ResponseWriter, err error) {
	switch err {
	case store.ErrNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case store.ErrForbidden:
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case store.ErrConflict:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
