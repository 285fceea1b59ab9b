package api

import (
	"errors"
	"net/http"
	"time"

	"lepko/internal/accesskey"
	"lepko/internal/observability/logging"
)

type keyIssueRequest struct {
	Plan string `json:"plan"`
}

type keyResponse struct {
	Key       string `json:"key"`
	Plan      string `json:"plan"`
	ExpiresAt string `json:"expiresAt"`
}

type keyValidateRequest struct {
	Key string `json:"key"`
}

type keyValidateResponse struct {
	Valid     bool   `json:"valid"`
	Plan      string `json:"plan,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *Handler) handleKeyIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req keyIssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed key request"))
		return
	}
	record, err := h.Keys.Issue(accesskey.Plan(req.Plan))
	if err != nil {
		if errors.Is(err, accesskey.ErrUnknownPlan) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		logger := logging.WithContext(r.Context(), logging.WithComponent(h.Logger, "accesskey"))
		logger.Error("issue key", "error", err)
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, keyResponse{
		Key:       record.Key,
		Plan:      string(record.Plan),
		ExpiresAt: record.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) handleKeyValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req keyValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed key request"))
		return
	}
	record, ok, err := h.Keys.Validate(req.Key)
	if err != nil {
		logger := logging.WithContext(r.Context(), logging.WithComponent(h.Logger, "accesskey"))
		logger.Error("validate key", "error", err)
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}
	if !ok {
		h.Metrics.ObserveKeyValidation("invalid")
		writeJSON(w, http.StatusOK, keyValidateResponse{Valid: false})
		return
	}
	h.Metrics.ObserveKeyValidation("valid")
	writeJSON(w, http.StatusOK, keyValidateResponse{
		Valid:     true,
		Plan:      string(record.Plan),
		ExpiresAt: record.ExpiresAt.Format(time.RFC3339),
	})
}
