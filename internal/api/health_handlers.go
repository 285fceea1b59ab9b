package api

import (
	"errors"
	"net/http"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	checks := map[string]string{}
	healthy := true

	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			checks["records"] = err.Error()
			healthy = false
		} else {
			checks["records"] = "ok"
		}
	}
	if h.Keys != nil {
		if err := h.Keys.Ping(r.Context()); err != nil {
			checks["access_keys"] = err.Error()
			healthy = false
		} else {
			checks["access_keys"] = "ok"
		}
	}

	status := http.StatusOK
	payload := healthResponse{Status: "ok", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		payload.Status = "degraded"
	}
	writeJSON(w, status, payload)
}
