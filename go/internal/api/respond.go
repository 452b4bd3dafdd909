package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mcdev12/subathon/go/internal/auth"
	"github.com/mcdev12/subathon/go/internal/chat"
	"github.com/mcdev12/subathon/go/internal/sessions"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeFailure maps domain errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var authErr *auth.Error
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, timer.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "Session not found"
	case errors.Is(err, sessions.ErrChannelExists):
		status = http.StatusConflict
	case errors.Is(err, sessions.ErrInvalidChannel), errors.Is(err, timer.ErrInvalidDuration):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrNotJoined):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrMissingClientID),
		errors.Is(err, auth.ErrMissingClientSecret),
		errors.Is(err, auth.ErrInvalidRedirectURI):
		status = http.StatusBadRequest
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
		if errors.Is(err, auth.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, msg)
}
