package qualification

import (
	"fmt"
	"strings"

	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/internal/phone"
)

const summaryRecentMessages = 3

// Summarize builds the digest sent to the seller.
func Summarize(t Transcript, r Result) string {
	var b strings.Builder
	name := strings.TrimSpace(t.CustomerName)
	if name == "" {
		name = "(sem nome)"
	}
	fmt.Fprintf(&b, "Cliente: %s\n", name)
	if t.Phone != "" {
		fmt.Fprintf(&b, "Telefone: %s\n", phone.Validate(t.Phone).Formatted)
	}
	texts := t.CustomerTexts()
	fmt.Fprintf(&b, "Mensagens do cliente: %d (total %d)\n", len(texts), len(t.Messages))
	if len(r.MatchedKeywords) > 0 {
		fmt.Fprintf(&b, "Sinais de compra: %s\n", strings.Join(r.MatchedKeywords, ", "))
	}
	switch r.Confidence {
	case leads.ConfidenceHigh:
		b.WriteString("Confiança: alta\n")
	case leads.ConfidenceLow:
		b.WriteString("Confiança: BAIXA (poucas interações, confirmar interesse)\n")
	}
	if len(texts) > 0 {
		b.WriteString("Últimas mensagens:\n")
		start := len(texts) - summaryRecentMessages
		if start < 0 {
			start = 0
		}
		for _, text := range texts[start:] {
			fmt.Fprintf(&b, "- %s\n", clip(text, 200))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
