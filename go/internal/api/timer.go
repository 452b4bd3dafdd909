package api

import (
	"net/http"

	"github.com/mcdev12/subathon/go/internal/timer"
)

func (h *Handler) timerState(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.State(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) timerCommand(cmd func(string) (timer.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := cmd(r.PathValue("id"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// addTimeRequest takes either whole seconds or a duration like "5m 30s".
type addTimeRequest struct {
	Seconds  int    `json:"seconds"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

func (h *Handler) addTime(w http.ResponseWriter, r *http.Request) {
	var req addTimeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seconds := req.Seconds
	if req.Duration != "" {
		d, err := timer.ParseDuration(req.Duration)
		if err != nil {
			writeFailure(w, err)
			return
		}
		seconds = int(d.Seconds())
	}

	_, state, err := h.pipeline.AddTime(r.Context(), r.PathValue("id"), seconds, req.Reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
