package api

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

type userResponse struct {
	UserID      string `json:"userId"`
	Login       string `json:"login"`
	DisplayName string `json:"displayName"`
}

// login blocks until the browser flow completes or times out.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	sess, err := h.auth.Authorize(r.Context(), h.authConfig.ClientID, h.authConfig.RedirectURI, h.authConfig.Scopes)
	if err != nil {
		log.Warn().Err(err).Msg("login failed")
		h.pipeline.Notify("error", "auth", err.Error())
		writeFailure(w, err)
		return
	}

	if h.onLogin != nil {
		if err := h.onLogin(r.Context(), *sess); err != nil {
			log.Error().Err(err).Str("login", sess.Login).Msg("failed to connect after login")
			h.pipeline.Notify("error", "auth", err.Error())
		}
	}

	writeJSON(w, http.StatusOK, userResponse{UserID: sess.UserID, Login: sess.Login, DisplayName: sess.DisplayName})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}
	if err := h.auth.Logout(); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	sess, ok := h.auth.Current()
	if !ok {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{UserID: sess.UserID, Login: sess.Login, DisplayName: sess.DisplayName})
}
