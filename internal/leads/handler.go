package leads

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// NotificationRetrier resends the seller summary for a lead.
type NotificationRetrier interface {
	RetryNotification(ctx context.Context, leadID uuid.UUID) (*Lead, error)
}

// Handler handles HTTP requests for leads
type Handler struct {
	repo    Repository
	retrier NotificationRetrier
	logger  *logging.Logger
}

// NewHandler creates a new leads handler
func NewHandler(repo Repository, retrier NotificationRetrier, logger *logging.Logger) *Handler {
	return &Handler{
		repo:    repo,
		retrier: retrier,
		logger:  logging.OrDefault(logger),
	}
}

// GetLead handles GET /admin/leads/{leadID}
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	id, ok := leadID(w, r)
	if !ok {
		return
	}
	lead, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, "get lead", id, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type saleRequest struct {
	Value float64 `json:"value"`
}

// RecordSale handles POST /admin/leads/{leadID}/sale
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	id, ok := leadID(w, r)
	if !ok {
		return
	}
	var req saleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	lead, err := h.repo.RecordSale(r.Context(), id, req.Value)
	if err != nil {
		h.fail(w, "record sale", id, err)
		return
	}
	h.logger.Info("lead sold", "lead_id", id, "seller_id", lead.SellerID, "value", req.Value)
	writeJSON(w, http.StatusOK, lead)
}

// MarkLost handles POST /admin/leads/{leadID}/lost
func (h *Handler) MarkLost(w http.ResponseWriter, r *http.Request) {
	id, ok := leadID(w, r)
	if !ok {
		return
	}
	lead, err := h.repo.MarkLost(r.Context(), id)
	if err != nil {
		h.fail(w, "mark lost", id, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// RetryNotification handles POST /admin/leads/{leadID}/retry-notification.
// The lead is returned even when the resend fails so the caller sees the
// recorded error.
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := leadID(w, r)
	if !ok {
		return
	}
	if h.retrier == nil {
		http.Error(w, "notification retry not configured", http.StatusServiceUnavailable)
		return
	}
	lead, err := h.retrier.RetryNotification(r.Context(), id)
	if err != nil && lead == nil {
		h.fail(w, "retry notification", id, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		h.logger.Warn("seller notification retry failed", "lead_id", id, "error", err)
		status = http.StatusBadGateway
	}
	writeJSON(w, status, lead)
}

// ListLeadsResponse is the response for listing leads
type ListLeadsResponse struct {
	Leads []*Lead `json:"leads"`
	Count int     `json:"count"`
	Limit int     `json:"limit"`
}

// ListBySeller handles GET /admin/sellers/{sellerID}/leads
func (h *Handler) ListBySeller(w http.ResponseWriter, r *http.Request) {
	sellerID, err := uuid.Parse(chi.URLParam(r, "sellerID"))
	if err != nil {
		http.Error(w, "invalid seller id", http.StatusBadRequest)
		return
	}
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	list, err := h.repo.ListBySeller(r.Context(), sellerID, limit)
	if err != nil {
		h.logger.Error("failed to list leads", "error", err, "seller_id", sellerID)
		http.Error(w, "failed to list leads", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ListLeadsResponse{Leads: list, Count: len(list), Limit: limit})
}

func (h *Handler) fail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, ErrLeadNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrLeadClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidSaleValue):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("lead request failed", "op", op, "lead_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func leadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "leadID"))
	if err != nil {
		http.Error(w, "invalid lead id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
