package api

import (
	"context"
	"log/slog"
	"net/http"

	"lepko/internal/accesskey"
	"lepko/internal/blob"
	"lepko/internal/drop"
	"lepko/internal/observability/logging"
	"lepko/internal/observability/metrics"
	"lepko/internal/pad"
)

const defaultMaxUploadBytes = 64 << 20

// Handler carries the service dependencies shared by the HTTP endpoints.
type Handler struct {
	Drops   *drop.Service
	Blobs   blob.Storage
	Hub     *pad.Hub
	Gateway *pad.Gateway
	Keys    *accesskey.Manager
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// MaxUploadBytes caps drop payload size. AllowedTypes, when non-empty,
	// restricts uploads to the listed content type prefixes.
	MaxUploadBytes int64
	AllowedTypes   []string

	// Pinger reports record store health for the healthz endpoint.
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

// NewHandler fills in defaults for optional dependencies.
func NewHandler(h Handler) *Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Metrics == nil {
		h.Metrics = metrics.Default()
	}
	if h.MaxUploadBytes <= 0 {
		h.MaxUploadBytes = defaultMaxUploadBytes
	}
	if h.Gateway == nil && h.Hub != nil {
		h.Gateway = pad.NewGateway(h.Hub, logging.WithComponent(h.Logger, "pad"))
	}
	return &h
}

// Routes registers every endpoint on the provided mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/drop", h.handleDropCreate)
	mux.HandleFunc("/api/drop/", h.handleDropRedeem)
	mux.HandleFunc("/api/pad/rooms", h.handlePadRoomCreate)
	mux.HandleFunc("/ws/pad/", h.handlePadSocket)
	mux.HandleFunc("/api/keys", h.handleKeyIssue)
	mux.HandleFunc("/api/keys/validate", h.handleKeyValidate)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", h.Metrics.Handler())
}
