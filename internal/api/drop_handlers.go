package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lepko/internal/observability/logging"
)

var (
	errInvalidLink       = errors.New("invalid or expired link")
	errStoreUnavailable  = errors.New("service temporarily unavailable")
	errFileFieldRequired = errors.New("multipart field \"file\" is required")
)

// linkPayload is the JSON value a drop link stores in the record store. The
// payload bytes themselves live in blob storage.
type linkPayload struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

type dropCreateResponse struct {
	FileID    string `json:"fileId"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (h *Handler) handleDropCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	logger := logging.WithContext(r.Context(), logging.WithComponent(h.Logger, "drop"))

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("payload exceeds %d bytes", h.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, errFileFieldRequired)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !h.contentTypeAllowed(contentType) {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("content type %q is not accepted", contentType))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("payload exceeds %d bytes", h.MaxUploadBytes))
			return
		}
		logger.Error("read upload", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to read upload"))
		return
	}

	object, err := h.Blobs.Save(r.Context(), header.Filename, contentType, data)
	if err != nil {
		logger.Error("store upload", "error", err)
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}

	payload, err := json.Marshal(linkPayload{
		Key:         object.Key,
		Name:        header.Filename,
		ContentType: contentType,
		Size:        object.Size,
		URL:         object.URL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to encode link payload"))
		return
	}

	ttl := h.parseTTL(r)
	token, err := h.Drops.CreateLink(r.Context(), string(payload), ttl)
	if err != nil {
		// No link references the object anymore.
		_ = h.Blobs.Remove(r.Context(), object.Key)
		logger.Error("create link", "error", err)
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}

	h.Metrics.ObserveDropEvent("created")
	effective := ttl
	if effective <= 0 {
		effective = h.Drops.LinkTTL()
	}
	logger.Info("drop link created", "size", object.Size)
	writeJSON(w, http.StatusCreated, dropCreateResponse{
		FileID:    token,
		ExpiresIn: int64(effective.Seconds()),
	})
}

func (h *Handler) handleDropRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	logger := logging.WithContext(r.Context(), logging.WithComponent(h.Logger, "drop"))

	token := strings.TrimPrefix(r.URL.Path, "/api/drop/")
	if token == "" || strings.Contains(token, "/") {
		writeError(w, http.StatusNotFound, errInvalidLink)
		return
	}

	value, ok, err := h.Drops.Redeem(r.Context(), token)
	if err != nil {
		h.Metrics.ObserveDropEvent("redeem_fault")
		logger.Error("redeem link", "error", err)
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}
	if !ok {
		h.Metrics.ObserveDropEvent("redeem_miss")
		writeError(w, http.StatusNotFound, errInvalidLink)
		return
	}

	var payload linkPayload
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		logger.Error("decode link payload", "error", err)
		writeError(w, http.StatusNotFound, errInvalidLink)
		return
	}

	h.Metrics.ObserveDropEvent("redeem_hit")

	if payload.URL != "" {
		// The redirected client fetches the object after this response, so
		// the object must outlive the handler. The bucket lifecycle reclaims
		// it, not this code path.
		http.Redirect(w, r, payload.URL, http.StatusFound)
		return
	}

	reader, err := h.Blobs.Open(r.Context(), payload.Key)
	if err != nil {
		logger.Error("open payload", "key", payload.Key, "error", err)
		writeError(w, http.StatusNotFound, errInvalidLink)
		return
	}
	defer reader.Close()

	if payload.ContentType != "" {
		w.Header().Set("Content-Type", payload.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if payload.Name != "" {
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(payload.Name))
	}
	if payload.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(payload.Size, 10))
	}
	if _, err := io.Copy(w, reader); err != nil {
		logger.Warn("stream payload", "key", payload.Key, "error", err)
	}
	if err := h.Blobs.Remove(r.Context(), payload.Key); err != nil {
		logger.Warn("remove redeemed payload", "key", payload.Key, "error", err)
	}
}

func (h *Handler) contentTypeAllowed(contentType string) bool {
	if len(h.AllowedTypes) == 0 {
		return true
	}
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range h.AllowedTypes {
		prefix := strings.ToLower(strings.TrimSpace(allowed))
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// parseTTL reads an optional ttl override in seconds, clamped to the
// service default so clients cannot extend link lifetimes.
func (h *Handler) parseTTL(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		raw = r.FormValue("ttl")
	}
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl > h.Drops.LinkTTL() {
		return 0
	}
	return ttl
}
