package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/events"
	httpmiddleware "github.com/wolfman30/wa-lead-router/internal/http/middleware"
	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/sellers"
	"github.com/wolfman30/wa-lead-router/internal/transfer"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Transferrer runs a manual transfer.
type Transferrer interface {
	Transfer(ctx context.Context, req transfer.Request) (*leads.Lead, error)
}

// AdminConversationsHandler exposes operator actions on a conversation.
// Every state change goes through the conversation state machine.
type AdminConversationsHandler struct {
	conversations conversation.Store
	messages      conversation.MessageStore
	transfers     Transferrer
	events        events.Recorder
	logger        *logging.Logger
}

func NewAdminConversationsHandler(store conversation.Store, messages conversation.MessageStore, transfers Transferrer, recorder events.Recorder, logger *logging.Logger) *AdminConversationsHandler {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &AdminConversationsHandler{
		conversations: store,
		messages:      messages,
		transfers:     transfers,
		events:        recorder,
		logger:        logging.OrDefault(logger).Component("admin_conversations"),
	}
}

// Get handles GET /admin/conversations/{conversationID}. Callers without
// visibility get a masked phone and no transcript.
func (h *AdminConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.prelude(w, r)
	if !ok {
		return
	}
	c, err := h.conversations.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get", id, err)
		return
	}
	var msgs []conversation.Message
	if conversation.CanViewSensitive(p, c) {
		msgs, err = h.messages.ListMessages(r.Context(), id)
		if err != nil {
			h.fail(w, "list messages", id, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, conversation.ViewFor(p, c, msgs))
}

// Assume handles POST /admin/conversations/{conversationID}/assume.
func (h *AdminConversationsHandler) Assume(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.prelude(w, r)
	if !ok {
		return
	}
	h.mutate(w, r, "assume", id, func(c *conversation.Conversation) error {
		return c.AssumeControl(p.ID)
	}, events.TypeAuthorityAssumed, map[string]any{"operator_id": p.ID, "origin": "admin"})
}

// ReturnToBot handles POST /admin/conversations/{conversationID}/return-to-bot.
func (h *AdminConversationsHandler) ReturnToBot(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.prelude(w, r)
	if !ok {
		return
	}
	h.mutate(w, r, "return_to_bot", id, func(c *conversation.Conversation) error {
		return c.ReturnToBot()
	}, events.TypeAuthorityReturned, map[string]any{"operator_id": p.ID})
}

type assignRequest struct {
	OperatorID string `json:"operator_id"`
}

// AssignOperator handles POST /admin/conversations/{conversationID}/assign-operator.
// An empty operator_id clears the assignment.
func (h *AdminConversationsHandler) AssignOperator(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.prelude(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.mutate(w, r, "assign_operator", id, func(c *conversation.Conversation) error {
		return c.AssignOperator(p, req.OperatorID)
	}, events.TypeOperatorAssigned, map[string]any{"operator_id": strings.TrimSpace(req.OperatorID), "by": p.ID})
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// Close handles POST /admin/conversations/{conversationID}/close.
func (h *AdminConversationsHandler) Close(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.prelude(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	h.mutate(w, r, "close", id, func(c *conversation.Conversation) error {
		return c.Close(req.Reason)
	}, events.TypeConversationClosed, map[string]any{"operator_id": p.ID, "reason": req.Reason})
}

type transferRequest struct {
	SellerID string `json:"seller_id"`
	Summary  string `json:"summary"`
	Reason   string `json:"reason"`
}

type transferResponse struct {
	Lead    *leads.Lead `json:"lead"`
	Warning string      `json:"warning,omitempty"`
}

// Transfer handles POST /admin/conversations/{conversationID}/transfer.
// A lead whose seller could not be told yet is returned with 202.
func (h *AdminConversationsHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.prelude(w, r)
	if !ok {
		return
	}
	if h.transfers == nil {
		http.Error(w, "transfer not configured", http.StatusServiceUnavailable)
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sellerID, err := uuid.Parse(strings.TrimSpace(req.SellerID))
	if err != nil {
		http.Error(w, "invalid seller id", http.StatusBadRequest)
		return
	}
	summary := strings.TrimSpace(req.Summary)
	if summary == "" {
		summary = fmt.Sprintf("Transferência manual por %s", p.ID)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual_transfer"
	}

	lead, err := h.transfers.Transfer(r.Context(), transfer.Request{
		ConversationID: id,
		SellerID:       &sellerID,
		OperatorID:     p.ID,
		Summary:        summary,
		Reason:         reason,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, transferResponse{Lead: lead})
	case errors.Is(err, transfer.ErrNotificationFailed) && lead != nil:
		writeJSON(w, http.StatusAccepted, transferResponse{Lead: lead, Warning: err.Error()})
	default:
		h.fail(w, "transfer", id, err)
	}
}

func (h *AdminConversationsHandler) prelude(w http.ResponseWriter, r *http.Request) (conversation.Principal, uuid.UUID, bool) {
	p, ok := httpmiddleware.PrincipalFromContext(r.Context())
	if !ok || p.ID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return p, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return p, uuid.Nil, false
	}
	return p, id, true
}

// mutate applies fn, records eventType when something changed and answers
// with the conversation as the caller may see it.
func (h *AdminConversationsHandler) mutate(w http.ResponseWriter, r *http.Request, op string, id uuid.UUID, fn func(*conversation.Conversation) error, eventType string, payload map[string]any) {
	changed := false
	c, err := conversation.Mutate(r.Context(), h.conversations, id, func(c *conversation.Conversation) error {
		if err := fn(c); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		h.fail(w, op, id, err)
		return
	}
	if changed {
		if err := h.events.Record(r.Context(), id, eventType, payload); err != nil {
			h.logger.Warn("event not recorded", "conversation_id", id, "type", eventType, "error", err)
		}
		h.logger.Info("conversation updated", "op", op, "conversation_id", id, "phone", phone.Mask(c.Phone), "status", c.Status, "fallback", c.FallbackMode)
	}
	p, _ := httpmiddleware.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, conversation.ViewFor(p, c, nil))
}

func (h *AdminConversationsHandler) fail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, sellers.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, conversation.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, conversation.ErrMissingOperator):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, conversation.ErrVersionConflict),
		errors.Is(err, transfer.ErrLeadAssigned),
		errors.Is(err, sellers.ErrInactive),
		errors.Is(err, transfer.ErrNoSellerAvailable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("conversation request failed", "op", op, "conversation_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
