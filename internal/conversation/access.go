package conversation

import (
	"strings"

	"github.com/wolfman30/wa-lead-router/internal/phone"
)

// Role is an operator's privilege level.
type Role string

const (
	RoleOperator Role = "operator"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// ParseRole maps a claim value onto a Role; unknown values are least privileged.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	default:
		return RoleOperator
	}
}

// Principal is the authenticated caller of an admin action.
type Principal struct {
	ID   string
	Role Role
}

func (p Principal) elevated() bool {
	return p.Role == RoleManager || p.Role == RoleAdmin
}

// CanAssignOperator reports whether p may assign or unassign operators.
func CanAssignOperator(p Principal) bool {
	return p.elevated()
}

// CanViewSensitive reports whether p may see the full phone and transcript.
func CanViewSensitive(p Principal, c *Conversation) bool {
	if c == nil || p.ID == "" {
		return false
	}
	if p.elevated() {
		return true
	}
	if c.AssignedOperatorID != nil && *c.AssignedOperatorID == p.ID {
		return true
	}
	return c.FallbackTakenBy != nil && *c.FallbackTakenBy == p.ID
}

// AssignOperator sets or clears (empty operatorID) the assigned operator.
func (c *Conversation) AssignOperator(by Principal, operatorID string) error {
	if !CanAssignOperator(by) {
		return ErrForbidden
	}
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		if c.AssignedOperatorID == nil {
			return ErrNoChange
		}
		c.AssignedOperatorID = nil
		return nil
	}
	if c.AssignedOperatorID != nil && *c.AssignedOperatorID == operatorID {
		return ErrNoChange
	}
	c.AssignedOperatorID = &operatorID
	return nil
}

// View is what an admin read returns after the access policy is applied.
type View struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages,omitempty"`
	Redacted     bool          `json:"redacted"`
}

// ViewFor applies the read policy to a conversation and its transcript.
func ViewFor(p Principal, c *Conversation, messages []Message) View {
	if CanViewSensitive(p, c) {
		return View{Conversation: c.Clone(), Messages: messages}
	}
	cp := c.Clone()
	cp.Phone = phone.Mask(cp.Phone)
	cp.Metadata = nil
	return View{Conversation: cp, Redacted: true}
}
