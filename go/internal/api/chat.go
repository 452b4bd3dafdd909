package api

import (
	"net/http"
)

type chatRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

func (h *Handler) chatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if h.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return req, false
	}
	if err := decodeBody(r, &req); err != nil || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return req, false
	}
	return req, true
}

func (h *Handler) joinChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chatRequest(w, r)
	if !ok {
		return
	}
	if err := h.chat.JoinChannel(req.Channel); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.chat.Channels()})
}

func (h *Handler) leaveChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chatRequest(w, r)
	if !ok {
		return
	}
	if err := h.chat.LeaveChannel(req.Channel); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.chat.Channels()})
}

func (h *Handler) sendChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chatRequest(w, r)
	if !ok {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := h.chat.SendMessage(r.Context(), req.Channel, req.Message); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) chatChannels(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeJSON(w, http.StatusOK, map[string]any{"channels": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.chat.Channels()})
}
