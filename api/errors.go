package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/storage"
	"github.com/jmcleod/mailbridge/vault"
)

const maxBodySize = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers 500 with msg only.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// decodeJSON reads a bounded JSON body into T, answering 400 on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// mapError translates domain errors into HTTP responses. Messages of the
// vault and bridge sentinels carry no secrets and are passed through.
func mapError(w http.ResponseWriter, err error) {
	var verr *vault.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, vault.ErrWrongPassphrase):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, vault.ErrNoCredentials),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bridge.ErrLoginFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, vault.ErrKeyGenFailed),
		errors.Is(err, vault.ErrNoPublicKey),
		errors.Is(err, vault.ErrEncryptFailed),
		errors.Is(err, vault.ErrDecryptFailed):
		writeInternalError(w, "credential vault failure", err)
	default:
		writeInternalError(w, "internal error", err)
	}
}
