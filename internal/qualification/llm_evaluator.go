package qualification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/internal/llm"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

const qualificationPrompt = `Você avalia conversas de WhatsApp entre um cliente e um assistente de vendas.
Decida se o cliente demonstrou intenção real de compra e deve ser encaminhado a um vendedor humano.
Responda SOMENTE com um objeto JSON, sem texto adicional:
{"transfer": true|false, "confidence": "high"|"low", "reason": "qualified_lead"|"weak_signal"|"no_purchase_intent", "justification": "<uma frase>"}`

var errUnparsableVerdict = errors.New("qualification: unparsable classifier verdict")

type verdict struct {
	Transfer      *bool  `json:"transfer"`
	Confidence    string `json:"confidence"`
	Reason        string `json:"reason"`
	Justification string `json:"justification"`
}

// LLMEvaluator asks a language model for the verdict and falls back to the
// heuristic when the model errors or answers out of format.
type LLMEvaluator struct {
	client    llm.Client
	fallback  *HeuristicEvaluator
	model     string
	maxTokens int32
	logger    *logging.Logger
}

func NewLLMEvaluator(client llm.Client, fallback *HeuristicEvaluator, model string, maxTokens int, logger *logging.Logger) *LLMEvaluator {
	if fallback == nil {
		fallback = NewHeuristicEvaluator(DefaultVocabulary())
	}
	if maxTokens <= 0 {
		maxTokens = 400
	}
	return &LLMEvaluator{
		client:    client,
		fallback:  fallback,
		model:     model,
		maxTokens: int32(maxTokens),
		logger:    logging.OrDefault(logger).Component("qualification_llm"),
	}
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, t Transcript) (Result, error) {
	texts := t.CustomerTexts()
	if len(texts) == 0 {
		return e.fallback.evaluate(t), nil
	}
	resp, err := e.client.Complete(ctx, llm.Request{
		Model:       e.model,
		System:      []string{qualificationPrompt},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: renderTranscript(t)}},
		MaxTokens:   e.maxTokens,
		Temperature: 0,
	})
	if err == nil {
		pv, perr := parseVerdict(resp.Text)
		if perr == nil {
			res := pv.Result
			res.CustomerCount = len(texts)
			res.MatchedKeywords = e.fallback.match(texts)
			res.Summary = Summarize(t, res)
			if pv.justification != "" {
				res.Summary += "\nAvaliação: " + pv.justification
			}
			return res, nil
		}
		err = perr
	}
	e.logger.Warn("classifier unavailable, using heuristic", "conversation_id", t.ConversationID, "error", err)
	return e.fallback.evaluate(t), nil
}

type parsedVerdict struct {
	Result
	justification string
}

func parseVerdict(text string) (parsedVerdict, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return parsedVerdict{}, errUnparsableVerdict
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return parsedVerdict{}, fmt.Errorf("%w: %v", errUnparsableVerdict, err)
	}
	if v.Transfer == nil {
		return parsedVerdict{}, errUnparsableVerdict
	}
	out := parsedVerdict{justification: strings.TrimSpace(v.Justification)}
	out.ShouldTransfer = *v.Transfer
	if !out.ShouldTransfer {
		out.Reason = ReasonNoPurchaseIntent
		return out, nil
	}
	out.Reason = ReasonQualifiedLead
	out.Confidence = leads.ConfidenceHigh
	if strings.EqualFold(v.Confidence, "low") || v.Reason == ReasonWeakSignal {
		out.Reason = ReasonWeakSignal
		out.Confidence = leads.ConfidenceLow
	}
	return out, nil
}

func renderTranscript(t Transcript) string {
	var b strings.Builder
	for _, m := range t.Messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.SenderType, content)
	}
	return b.String()
}
