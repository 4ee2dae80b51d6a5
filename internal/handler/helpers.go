package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/friendchat/internal/backend"
	"github.com/friendchat/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeBackendError переводит ошибки адаптера в HTTP-статусы; неизвестные: 500 с общим текстом.
func writeBackendError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, backend.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, backend.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, backend.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		logger.Errorf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	return json.NewDecoder(r.Body).Decode(v)
}
