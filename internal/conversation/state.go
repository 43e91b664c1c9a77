package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Finish reasons recorded on closed conversations.
const (
	ReasonSellerClosed = "seller_closed"
)

// IsBotAuthoritative reports whether the bot may act on the conversation.
func (c *Conversation) IsBotAuthoritative() bool {
	return c != nil && !c.FallbackMode && c.Status == StatusBotAttending
}

// Validate checks the authority invariants.
func (c *Conversation) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("conversation: unknown status %q", c.Status)
	}
	hasTaker := c.FallbackTakenBy != nil && *c.FallbackTakenBy != ""
	if c.FallbackMode != hasTaker {
		return fmt.Errorf("conversation: fallback_mode=%t but fallback_taken_by set=%t", c.FallbackMode, hasTaker)
	}
	if c.Status == StatusSentToSeller && c.AssignedSellerID == nil {
		return fmt.Errorf("conversation: sent_to_seller without assigned seller")
	}
	return nil
}

func (c *Conversation) invalid(action string) error {
	return fmt.Errorf("%w: %s from %s (fallback=%t)", ErrInvalidTransition, action, c.Status, c.FallbackMode)
}

// MarkWaitingEvaluation moves an idle bot conversation to evaluation.
// The caller has already confirmed the idle threshold and an empty queue.
func (c *Conversation) MarkWaitingEvaluation() error {
	if c.FallbackMode {
		return ErrSuperseded
	}
	if c.Status != StatusBotAttending {
		return c.invalid("mark_waiting_evaluation")
	}
	c.Status = StatusWaitingEvaluation
	return nil
}

// ApplyEvaluation records the evaluator's verdict.
func (c *Conversation) ApplyEvaluation(transfer bool, reason string) error {
	if c.FallbackMode {
		return ErrSuperseded
	}
	if c.Status != StatusWaitingEvaluation {
		return c.invalid("apply_evaluation")
	}
	if transfer {
		c.Status = StatusQualifiedForTransfer
		c.FinishReason = ""
		return nil
	}
	c.Status = StatusFinished
	c.FinishReason = strings.TrimSpace(reason)
	return nil
}

// MarkSentToSeller hands the conversation to a seller. Automatic transfers
// require a qualified conversation with the bot in charge; manual transfers
// by an operator may start from any state.
func (c *Conversation) MarkSentToSeller(sellerID uuid.UUID, manual bool) error {
	if sellerID == uuid.Nil {
		return fmt.Errorf("%w: seller id required", ErrInvalidTransition)
	}
	if c.Status == StatusSentToSeller && c.AssignedSellerID != nil && *c.AssignedSellerID == sellerID {
		return ErrNoChange
	}
	if !manual {
		if c.FallbackMode {
			return ErrSuperseded
		}
		if c.Status != StatusQualifiedForTransfer {
			return c.invalid("mark_sent_to_seller")
		}
	}
	id := sellerID
	c.AssignedSellerID = &id
	c.Status = StatusSentToSeller
	c.FinishReason = ""
	return nil
}

// Close finishes a conversation that a seller owned.
func (c *Conversation) Close(reason string) error {
	if c.Status != StatusSentToSeller {
		return c.invalid("close")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonSellerClosed
	}
	c.Status = StatusFinished
	c.FinishReason = reason
	return nil
}

// AssumeControl puts an operator in charge. Allowed from any state.
func (c *Conversation) AssumeControl(operatorID string) error {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return ErrMissingOperator
	}
	if c.FallbackMode && c.FallbackTakenBy != nil && *c.FallbackTakenBy == operatorID {
		return ErrNoChange
	}
	c.FallbackMode = true
	c.FallbackTakenBy = &operatorID
	return nil
}

// ReturnToBot ends manual override and hands the conversation back to the bot.
func (c *Conversation) ReturnToBot() error {
	if !c.FallbackMode {
		return c.invalid("return_to_bot")
	}
	c.FallbackMode = false
	c.FallbackTakenBy = nil
	c.Status = StatusBotAttending
	c.FinishReason = ""
	return nil
}

// ResumeByCustomer reopens an evaluated or finished conversation when the
// customer writes again. Other states are left alone.
func (c *Conversation) ResumeByCustomer() bool {
	switch c.Status {
	case StatusWaitingEvaluation, StatusFinished:
		c.Status = StatusBotAttending
		c.FinishReason = ""
		return true
	}
	return false
}

// TouchCustomer records a customer message time.
func (c *Conversation) TouchCustomer(at time.Time) {
	if c.LastCustomerMessageAt == nil || at.After(*c.LastCustomerMessageAt) {
		t := at
		c.LastCustomerMessageAt = &t
	}
}

// IdleSince reports whether the customer has been quiet since before cutoff.
func (c *Conversation) IdleSince(cutoff time.Time) bool {
	if c.LastCustomerMessageAt == nil {
		return !c.CreatedAt.After(cutoff)
	}
	return !c.LastCustomerMessageAt.After(cutoff)
}
