package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/status"
	"github.com/calmirror/calmirror/internal/subscription"
	"github.com/calmirror/calmirror/internal/versions"
)

// Notification headers set by the provider on channel callbacks.
const (
	ChannelIDHeader     = "X-Channel-ID"
	ResourceIDHeader    = "X-Resource-ID"
	ResourceStateHeader = "X-Resource-State"
	ExpirationHeader    = "X-Channel-Expiration"
)

// SubscriptionService is the part of the subscription manager the webhook
// handlers need.
type SubscriptionService interface {
	HandleNotification(ctx context.Context, channelID, resourceState string) error
	HandleRenewal(ctx context.Context, channelID string) error
}

// StatusReader loads the record of the most recent sync run.
type StatusReader interface {
	Load(ctx context.Context) (*status.SyncStatus, error)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the webhook routes with dependency injection
type Routes struct {
	service SubscriptionService
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc SubscriptionService) *Routes {
	return &Routes{
		service: svc,
	}
}

// postChannelNotification handles POST /webhook/channel, the provider's push
// notification delivery. Stale channels are acknowledged with 200 so the
// provider stops redelivering them; anything else would retry forever
// against a channel that no longer exists.
func (rr *Routes) postChannelNotification(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(ChannelIDHeader)
	resourceState := r.Header.Get(ResourceStateHeader)
	if channelID == "" || resourceState == "" {
		rr.writeErrorResponse(w, "Missing notification headers", http.StatusBadRequest)
		return
	}

	slog.Info("Received channel notification",
		"channel_id", channelID,
		"resource_id", r.Header.Get(ResourceIDHeader),
		"resource_state", resourceState,
		"expiration", r.Header.Get(ExpirationHeader))

	err := rr.service.HandleNotification(r.Context(), channelID, resourceState)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, subscription.ErrStaleChannel):
		slog.Info("Acknowledged notification from stale channel", "channel_id", channelID)
		w.WriteHeader(http.StatusOK)
	default:
		slog.Error("Failed to handle channel notification", "error", err)
		rr.writeErrorResponse(w, "Failed to process notification", http.StatusInternalServerError)
	}
}

// renewalRequest is the task payload delivered by the scheduler.
type renewalRequest struct {
	ChannelID string `json:"channelId"`
}

// postRenewal handles POST /webhook/renewal, the scheduled channel renewal.
// A busy sync lock returns 503 so the scheduler redelivers the task; stale
// tasks are acknowledged with 200 so they stop being redelivered.
func (rr *Routes) postRenewal(w http.ResponseWriter, r *http.Request) {
	var req renewalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		rr.writeErrorResponse(w, "Invalid renewal payload", http.StatusBadRequest)
		return
	}

	err := rr.service.HandleRenewal(r.Context(), req.ChannelID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, lock.ErrBusy):
		rr.writeErrorResponse(w, "Sync in progress, retry later", http.StatusServiceUnavailable)
	case errors.Is(err, subscription.ErrStaleChannel), errors.Is(err, subscription.ErrNotSubscribed):
		slog.Info("Acknowledged renewal task for stale channel", "channel_id", req.ChannelID)
		w.WriteHeader(http.StatusOK)
	default:
		slog.Error("Failed to renew channel", "channel_id", req.ChannelID, "error", err)
		rr.writeErrorResponse(w, "Failed to renew channel", http.StatusInternalServerError)
	}
}

// getStatusHandler serves GET /status, the record of the most recent sync
// run. Before any run has completed the endpoint returns 404.
func (rr *Routes) getStatusHandler(sr StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := sr.Load(r.Context())
		if err != nil {
			slog.Error("Failed to load sync status", "error", err)
			rr.writeErrorResponse(w, "Failed to load sync status", http.StatusInternalServerError)
			return
		}
		if record == nil {
			rr.writeErrorResponse(w, "No sync run recorded yet", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(record); err != nil {
			slog.Error("Failed to encode sync status", "error", err)
		}
	}
}

// HealthRouter creates a router for health check endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(versions.GetVersionInfo()); err != nil {
		slog.Error("Failed to encode version info", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
