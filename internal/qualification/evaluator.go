// Package qualification decides whether an idle conversation is worth a
// seller's time and moves idle conversations through evaluation.
package qualification

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/leads"
)

// Reason codes recorded on the conversation.
const (
	ReasonQualifiedLead      = "qualified_lead"
	ReasonWeakSignal         = "weak_signal"
	ReasonNoPurchaseIntent   = "no_purchase_intent"
	ReasonNoCustomerMessages = "no_customer_messages"
)

// Metadata keys written after an evaluation.
const (
	MetadataSummary    = "qualification_summary"
	MetadataReason     = "qualification_reason"
	MetadataConfidence = "qualification_confidence"
)

// Transcript is the evaluator's input.
type Transcript struct {
	ConversationID uuid.UUID
	CustomerName   string
	Phone          string
	Messages       []conversation.Message
}

// CustomerTexts returns the customer side of the transcript in order.
func (t Transcript) CustomerTexts() []string {
	var out []string
	for _, m := range t.Messages {
		if m.SenderType != conversation.SenderCustomer {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// Result is the verdict.
type Result struct {
	ShouldTransfer  bool             `json:"should_transfer"`
	Reason          string           `json:"reason"`
	Confidence      leads.Confidence `json:"confidence,omitempty"`
	Summary         string           `json:"summary"`
	MatchedKeywords []string         `json:"matched_keywords,omitempty"`
	CustomerCount   int              `json:"customer_messages"`
}

// Evaluator turns a transcript into a verdict. Implementations must be
// deterministic for the heuristic tier.
type Evaluator interface {
	Evaluate(ctx context.Context, t Transcript) (Result, error)
}
