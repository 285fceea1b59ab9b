package api

import (
	"errors"
	"net/http"
	"strings"

	"lepko/internal/observability/logging"
)

type padRoomRequest struct {
	ID string `json:"id"`
}

type padRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (h *Handler) handlePadRoomCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req padRoomRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("malformed room request"))
			return
		}
	}
	id, err := h.Hub.RegisterRoom(r.Context(), strings.TrimSpace(req.ID))
	if err != nil {
		logger := logging.WithContext(r.Context(), logging.WithComponent(h.Logger, "pad"))
		logger.Error("register room", "error", err)
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, padRoomResponse{RoomID: id})
}

func (h *Handler) handlePadSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	roomID := strings.TrimPrefix(r.URL.Path, "/ws/pad/")
	if strings.Contains(roomID, "/") {
		writeError(w, http.StatusNotFound, errors.New("unknown room path"))
		return
	}
	ctx := logging.ContextWithRoomID(r.Context(), roomID)
	h.Gateway.HandleConnection(w, r.WithContext(ctx), roomID)
}
