// Package sellers holds the human sales reps that qualified leads are handed to.
// Sellers are maintained through admin CRUD; the router only reads them and
// adjusts workload.
package sellers

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("sellers: seller not found")
	ErrInactive = errors.New("sellers: seller is inactive")
)

// Seller is a sales rep plus the settings key of its gateway sender token.
type Seller struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
	// GatewayTokenRef names the setting that holds the seller's own gateway
	// token. Empty means the seller has no customer-facing sender.
	GatewayTokenRef      string    `json:"gateway_token_ref,omitempty"`
	Specialties          []string  `json:"specialties,omitempty"`
	Active               bool      `json:"active"`
	CurrentWorkload      int       `json:"current_workload"`
	ConversionRate       float64   `json:"conversion_rate"`
	AutoFirstMessage     bool      `json:"auto_first_message"`
	FirstMessageTemplate string    `json:"first_message_template,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasSpecialty reports whether the seller lists tag, ignoring case.
func (s *Seller) HasSpecialty(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return false
	}
	for _, sp := range s.Specialties {
		if strings.ToLower(strings.TrimSpace(sp)) == tag {
			return true
		}
	}
	return false
}

// DefaultFirstMessage is used when a seller enabled the automatic first
// message without writing a template.
const DefaultFirstMessage = "Olá {cliente}! Aqui é {vendedor}, vou continuar seu atendimento a partir de agora."

// FirstMessage renders the seller's greeting for a customer.
func (s *Seller) FirstMessage(customerName string) string {
	tpl := strings.TrimSpace(s.FirstMessageTemplate)
	if tpl == "" {
		tpl = DefaultFirstMessage
	}
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		customerName = "tudo bem"
	}
	return strings.NewReplacer("{cliente}", customerName, "{vendedor}", s.Name).Replace(tpl)
}

func clone(s *Seller) *Seller {
	cp := *s
	cp.Specialties = append([]string(nil), s.Specialties...)
	return &cp
}
