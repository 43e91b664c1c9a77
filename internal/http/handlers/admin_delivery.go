package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// DeliveryMonitor is the part of the delivery monitor operators can drive.
type DeliveryMonitor interface {
	CheckStatus(ctx context.Context, id uuid.UUID) (delivery.Status, error)
	RetryFailed(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
}

type AdminDeliveryHandler struct {
	monitor DeliveryMonitor
	logger  *logging.Logger
}

func NewAdminDeliveryHandler(monitor DeliveryMonitor, logger *logging.Logger) *AdminDeliveryHandler {
	return &AdminDeliveryHandler{monitor: monitor, logger: logging.OrDefault(logger).Component("admin_delivery")}
}

// Check handles POST /admin/delivery/{deliveryID}/check.
func (h *AdminDeliveryHandler) Check(w http.ResponseWriter, r *http.Request) {
	id, ok := deliveryID(w, r)
	if !ok {
		return
	}
	status, err := h.monitor.CheckStatus(r.Context(), id)
	if err != nil && !errors.Is(err, delivery.ErrLookupFailed) {
		h.fail(w, "check", id, err)
		return
	}
	resp := map[string]any{"id": id, "status": status}
	if err != nil {
		resp["lookup_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Retry handles POST /admin/delivery/{deliveryID}/retry. The new attempt is
// a separate entry; its id is returned even when the resend failed.
func (h *AdminDeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := deliveryID(w, r)
	if !ok {
		return
	}
	retryID, err := h.monitor.RetryFailed(r.Context(), id)
	if err != nil && retryID == uuid.Nil {
		h.fail(w, "retry", id, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"id": id, "retry_id": retryID, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "retry_id": retryID})
}

func (h *AdminDeliveryHandler) fail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, delivery.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("delivery request failed", "op", op, "delivery_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func deliveryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "deliveryID"))
	if err != nil {
		http.Error(w, "invalid delivery id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
