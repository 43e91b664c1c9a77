package qualification

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wolfman30/wa-lead-router/internal/leads"
)

// DefaultKeywords are price and purchase-intent words.
var DefaultKeywords = []string{
	"preço", "valor", "quanto custa", "quanto fica", "orçamento", "comprar", "compra",
	"pagamento", "parcelar", "parcela", "pix", "boleto", "cartão", "desconto",
	"proposta", "contratar", "fechar", "frete", "entrega", "prazo",
}

// Vocabulary is the configurable qualification policy.
type Vocabulary struct {
	Keywords []string
	// StrongMinExchanges customer messages plus a keyword qualify outright.
	StrongMinExchanges int
	// WeakMinExchanges customer messages plus a keyword still transfer,
	// flagged as low confidence.
	WeakMinExchanges int
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{Keywords: DefaultKeywords, StrongMinExchanges: 4, WeakMinExchanges: 1}
}

// HeuristicEvaluator matches keywords against the customer side of the
// transcript.
type HeuristicEvaluator struct {
	vocab    Vocabulary
	keywords []keyword
}

type keyword struct {
	raw    string
	folded string
}

func NewHeuristicEvaluator(v Vocabulary) *HeuristicEvaluator {
	if len(v.Keywords) == 0 {
		v.Keywords = DefaultKeywords
	}
	if v.StrongMinExchanges <= 0 {
		v.StrongMinExchanges = 4
	}
	if v.WeakMinExchanges <= 0 {
		v.WeakMinExchanges = 1
	}
	e := &HeuristicEvaluator{vocab: v}
	seen := map[string]bool{}
	for _, k := range v.Keywords {
		f := fold(k)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		e.keywords = append(e.keywords, keyword{raw: strings.TrimSpace(k), folded: f})
	}
	return e
}

func (e *HeuristicEvaluator) Evaluate(_ context.Context, t Transcript) (Result, error) {
	return e.evaluate(t), nil
}

func (e *HeuristicEvaluator) evaluate(t Transcript) Result {
	texts := t.CustomerTexts()
	res := Result{CustomerCount: len(texts)}
	if len(texts) == 0 {
		res.Reason = ReasonNoCustomerMessages
		res.Summary = Summarize(t, res)
		return res
	}
	res.MatchedKeywords = e.match(texts)

	switch {
	case len(res.MatchedKeywords) == 0:
		res.Reason = ReasonNoPurchaseIntent
	case len(texts) >= e.vocab.StrongMinExchanges:
		res.ShouldTransfer = true
		res.Reason = ReasonQualifiedLead
		res.Confidence = leads.ConfidenceHigh
	case len(texts) >= e.vocab.WeakMinExchanges:
		res.ShouldTransfer = true
		res.Reason = ReasonWeakSignal
		res.Confidence = leads.ConfidenceLow
	default:
		res.Reason = ReasonNoPurchaseIntent
	}
	res.Summary = Summarize(t, res)
	return res
}

// match returns the keywords present in texts, in vocabulary order.
func (e *HeuristicEvaluator) match(texts []string) []string {
	haystack := " " + fold(strings.Join(texts, " ")) + " "
	var out []string
	for _, k := range e.keywords {
		if strings.Contains(haystack, " "+k.folded+" ") {
			out = append(out, k.raw)
		}
	}
	return out
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases, strips accents and collapses everything that is not a
// letter or digit into single spaces.
func fold(s string) string {
	out, _, err := transform.String(accentFolder, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.FieldsFunc(out, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
