package api

import (
	"errors"
	"net/http"

	"github.com/mcdev12/subathon/go/internal/sessions"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

type createSessionRequest struct {
	InitialSeconds *int `json:"initialSeconds"`
}

type sessionResponse struct {
	sessions.Session
	Timer timer.State `json:"timer"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	initial := h.initialSeconds
	if req.InitialSeconds != nil {
		initial = *req.InitialSeconds
	}

	sess := sessions.NewSession(h.clock.Now())
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		writeFailure(w, err)
		return
	}
	state, err := h.engine.Create(sess.ID, initial)
	if err != nil {
		writeFailure(w, err)
		return
	}
	h.pipeline.SetActive(sess.ID)

	log.Info().Str("session_id", sess.ID).Str("code", sess.Code).Msg("session created")
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess, Timer: state})
}

type joinRequest struct {
	Code string `json:"code"`
}

func (h *Handler) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	sess, err := h.store.FindByCode(r.Context(), req.Code)
	if err != nil {
		writeFailure(w, err)
		return
	}

	state, err := h.ensureTimer(sess.ID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	h.pipeline.SetActive(sess.ID)
	writeJSON(w, http.StatusOK, sessionResponse{Session: *sess, Timer: state})
}

// ensureTimer recreates a stopped timer for a session that outlived the
// process, as happens with a shared store.
func (h *Handler) ensureTimer(id string) (timer.State, error) {
	state, err := h.engine.State(id)
	if errors.Is(err, timer.ErrSessionNotFound) {
		return h.engine.Create(id, 0)
	}
	return state, err
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListSessions(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// updateSettings merges the body onto the stored settings; fields the
// body leaves out keep their value.
func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	settings, err := h.store.GetSettings(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := decodeBody(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings")
		return
	}
	if err := h.store.SetSettings(r.Context(), id, settings); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) getToggles(w http.ResponseWriter, r *http.Request) {
	toggles, err := h.store.GetToggles(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toggles)
}

func (h *Handler) updateToggles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	toggles, err := h.store.GetToggles(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := decodeBody(r, &toggles); err != nil {
		writeError(w, http.StatusBadRequest, "invalid toggles")
		return
	}
	if err := h.store.SetToggles(r.Context(), id, toggles); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toggles)
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.ListChannels(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type addChannelRequest struct {
	ChannelName string `json:"channelName"`
	AccessToken string `json:"accessToken"`
}

func (h *Handler) addChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req addChannelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch, err := sessions.NewChannel(req.ChannelName, req.AccessToken, h.clock.Now())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := h.store.AddChannel(r.Context(), id, ch); err != nil {
		writeFailure(w, err)
		return
	}

	if h.chat != nil {
		if err := h.chat.JoinChannel(ch.Name); err != nil {
			log.Warn().Err(err).Str("channel", ch.Name).Msg("failed to join chat channel")
		}
	}

	log.Info().Str("session_id", id).Str("channel", ch.Name).Msg("channel added")
	writeJSON(w, http.StatusCreated, ch)
}

func (h *Handler) removeChannel(w http.ResponseWriter, r *http.Request) {
	id, channelID := r.PathValue("id"), r.PathValue("channelId")

	channels, err := h.store.ListChannels(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := h.store.RemoveChannel(r.Context(), id, channelID); err != nil {
		writeFailure(w, err)
		return
	}

	if h.chat != nil {
		for _, ch := range channels {
			if ch.ID == channelID {
				if err := h.chat.LeaveChannel(ch.Name); err != nil {
					log.Warn().Err(err).Str("channel", ch.Name).Msg("failed to leave chat channel")
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Events(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
